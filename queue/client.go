package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/build"
	"github.com/glentner/hypershell/task"
)

// Client is the worker side of the wire protocol: it pulls bundles from
// the server's outbound queue and pushes completions, confirmations, and
// heartbeats back over the same authenticated stream.
type Client struct {
	conn net.Conn
	key  []byte

	// Inbound carries received bundles; closed after a DISCONNECT or
	// connection loss.
	Inbound chan task.Bundle

	// Disconnected is closed when the server requests drain.
	Disconnected chan struct{}

	writeMu        sync.Mutex
	closeErr       error
	disconnectOnce sync.Once
	closeOnce      sync.Once
	done           chan struct{}
}

// Connect dials the server and completes the authentication handshake.
func Connect(host string, port int, auth string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		return nil, xerrors.Errorf("connect %s:%d: %w", host, port, err)
	}
	c := &Client{
		conn:         conn,
		key:          []byte(auth),
		Inbound:      make(chan task.Bundle, 1),
		Disconnected: make(chan struct{}),
		done:         make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.read()
	return c, nil
}

func (c *Client) handshake() error {
	_ = c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	tag, payload, err := readFrame(c.conn, c.key)
	if err != nil || tag != frameWelcome {
		// a key mismatch garbles the MAC before anything else happens
		return ErrAuth
	}
	var welcome welcomePayload
	if err := json.Unmarshal(payload, &welcome); err != nil {
		return ErrMalformed
	}
	nonce, err := hex.DecodeString(welcome.Nonce)
	if err != nil {
		return ErrMalformed
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write(nonce)
	hello, _ := json.Marshal(helloPayload{
		ClientID:   build.Instance,
		ClientHost: build.Hostname,
		Proof:      hex.EncodeToString(mac.Sum(nil)),
	})
	if err := writeFrame(c.conn, c.key, frameHello, hello); err != nil {
		return err
	}
	if tag, _, err := readFrame(c.conn, c.key); err != nil || tag != frameAccept {
		return ErrAuth
	}
	return nil
}

func (c *Client) read() {
	defer close(c.Inbound)
	for {
		tag, payload, err := readFrame(c.conn, c.key)
		if err != nil {
			c.fail(err)
			return
		}
		switch tag {
		case frameBundleOut:
			bundle, err := task.UnpackBundle(payload)
			if err != nil {
				c.fail(err)
				return
			}
			select {
			case c.Inbound <- bundle:
			case <-c.done:
				return
			}
		case frameDisconnect:
			log.Debug("Disconnect received")
			c.disconnectOnce.Do(func() { close(c.Disconnected) })
			return
		default:
			c.fail(xerrors.Errorf("unexpected frame 0x%02x: %w", tag, ErrMalformed))
			return
		}
	}
}

func (c *Client) fail(err error) {
	select {
	case <-c.done:
	default:
		if !xerrors.Is(err, net.ErrClosed) {
			c.closeErr = err
			log.Debugf("Connection lost: %s", err)
		}
	}
}

func (c *Client) write(tag byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, c.key, tag, payload)
}

// Push returns a bundle of completed tasks to the server.
func (c *Client) Push(bundle task.Bundle) error {
	payload, err := task.PackBundle(bundle)
	if err != nil {
		return err
	}
	return c.write(frameBundleIn, payload)
}

// Ack confirms delivery of a received bundle.
func (c *Client) Ack(conf task.Confirmation) error {
	payload, err := conf.Pack()
	if err != nil {
		return err
	}
	return c.write(frameAck, payload)
}

// Beat sends a heartbeat.
func (c *Client) Beat(hb task.Heartbeat) error {
	payload, err := hb.Pack()
	if err != nil {
		return err
	}
	return c.write(frameHeartbeat, payload)
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}
