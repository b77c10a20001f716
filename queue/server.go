package queue

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/metrics"
	"github.com/glentner/hypershell/task"
)

var log = logging.Logger("queue")

// ackDeadline bounds how long a delivered bundle may sit unconfirmed
// before it is requeued for another client.
const ackDeadline = 30 * time.Second

type helloPayload struct {
	ClientID   string `json:"client_id"`
	ClientHost string `json:"client_host"`
	Proof      string `json:"proof"`
}

type welcomePayload struct {
	Nonce string `json:"nonce"`
}

// Server owns the queue side of the wire protocol: a bounded FIFO of
// outgoing bundles, the return path for completions, and the control
// channels for heartbeats and delivery confirmations. The scheduler
// blocks on Scheduled when the queue is full.
type Server struct {
	Scheduled  chan task.Bundle
	Completed  chan task.Bundle
	Heartbeats chan task.Heartbeat
	Confirmed  chan task.Confirmation

	key       []byte
	noConfirm bool
	listener  net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[string]*serverConn
	draining bool
}

type serverConn struct {
	id   string
	host string
	conn net.Conn
	acks chan task.Confirmation
	done chan struct{}
}

// Listen binds the queue server. The compiled-in default auth key is
// refused on any bind address other than loopback.
func Listen(cfg config.Server, noConfirm bool) (*Server, error) {
	if cfg.Auth == config.DefaultAuthkey && cfg.Bind != "localhost" && cfg.Bind != "127.0.0.1" {
		return nil, xerrors.Errorf("refusing default auth key on bind %q: %w", cfg.Bind, ErrAuth)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port))
	if err != nil {
		return nil, xerrors.Errorf("bind %s:%d: %w", cfg.Bind, cfg.Port, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Scheduled:  make(chan task.Bundle, cfg.Queuesize),
		Completed:  make(chan task.Bundle, 64),
		Heartbeats: make(chan task.Heartbeat, 64),
		Confirmed:  make(chan task.Confirmation, 64),
		key:        []byte(cfg.Auth),
		noConfirm:  noConfirm,
		listener:   listener,
		ctx:        ctx,
		cancel:     cancel,
		conns:      map[string]*serverConn{},
	}
	s.wg.Add(1)
	go s.accept()
	log.Infof("Listening (%s:%d)", cfg.Bind, cfg.Port)
	return s, nil
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Errorf("Accept failed: %s", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	sc, err := s.handshake(conn)
	if err != nil {
		log.Errorf("Handshake failed (%s): %s", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.conns[sc.id] = sc
	draining := s.draining
	s.mu.Unlock()
	log.Debugf("Connected client (%s: %s)", sc.host, sc.id)

	if draining {
		// late arrival during drain: turn it right around
		_ = writeFrame(sc.conn, s.key, frameDisconnect, nil)
	}

	s.wg.Add(1)
	go s.write(sc)
	s.read(sc)

	s.mu.Lock()
	delete(s.conns, sc.id)
	s.mu.Unlock()
	close(sc.done)
	_ = sc.conn.Close()
	log.Debugf("Closed client connection (%s: %s)", sc.host, sc.id)
}

// handshake verifies the client's proof of the pre-shared key: an HMAC
// over a fresh server nonce. A mismatch closes the connection at once.
func (s *Server) handshake(conn net.Conn) (*serverConn, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Errorf("generate nonce: %w", err)
	}
	welcome, _ := json.Marshal(welcomePayload{Nonce: hex.EncodeToString(nonce)})
	if err := writeFrame(conn, s.key, frameWelcome, welcome); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	tag, payload, err := readFrame(conn, s.key)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || tag != frameHello {
		return nil, ErrAuth
	}
	var hello helloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, ErrMalformed
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(nonce)
	if proof, err := hex.DecodeString(hello.Proof); err != nil || !hmac.Equal(proof, mac.Sum(nil)) {
		log.Error("Client failed authentication (", conn.RemoteAddr(), ")")
		return nil, ErrAuth
	}
	if err := writeFrame(conn, s.key, frameAccept, nil); err != nil {
		return nil, err
	}
	return &serverConn{
		id:   hello.ClientID,
		host: hello.ClientHost,
		conn: conn,
		acks: make(chan task.Confirmation, 1),
		done: make(chan struct{}),
	}, nil
}

// write drains the shared outbound queue onto this connection. Unless
// no-confirm is set, each bundle must be acknowledged before the next is
// pulled; an unconfirmed or failed delivery goes back on the queue.
func (s *Server) write(sc *serverConn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sc.done:
			return
		case bundle, ok := <-s.Scheduled:
			if !ok {
				return
			}
			if !s.deliver(sc, bundle) {
				s.requeue(bundle)
				return
			}
		}
	}
}

func (s *Server) deliver(sc *serverConn, bundle task.Bundle) bool {
	payload, err := task.PackBundle(bundle)
	if err != nil {
		log.Errorf("Dropping unpackable bundle: %s", err)
		return true
	}
	if err := writeFrame(sc.conn, s.key, frameBundleOut, payload); err != nil {
		log.Warnf("Delivery failed (%s: %s): %s", sc.host, sc.id, err)
		return false
	}
	metrics.RecordBundleOut(s.ctx, len(bundle))
	if s.noConfirm {
		return true
	}
	select {
	case <-sc.acks:
		return true
	case <-sc.done:
		return false
	case <-time.After(ackDeadline):
		log.Warnf("Bundle unconfirmed after %s (%s: %s)", ackDeadline, sc.host, sc.id)
		return false
	}
}

// requeue returns an undelivered bundle to the outbound queue without
// blocking the connection teardown.
func (s *Server) requeue(bundle task.Bundle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.Scheduled <- bundle:
			log.Infof("Requeued %d task(s) after failed delivery", len(bundle))
		case <-s.ctx.Done():
		}
	}()
}

func (s *Server) read(sc *serverConn) {
	for {
		tag, payload, err := readFrame(sc.conn, s.key)
		if err != nil {
			if s.ctx.Err() == nil && !xerrors.Is(err, net.ErrClosed) {
				log.Debugf("Connection lost (%s: %s): %s", sc.host, sc.id, err)
			}
			return
		}
		switch tag {
		case frameBundleIn:
			bundle, err := task.UnpackBundle(payload)
			if err != nil {
				log.Errorf("Dropping malformed return bundle (%s): %s", sc.id, err)
				return
			}
			metrics.RecordBundleIn(s.ctx, len(bundle))
			select {
			case s.Completed <- bundle:
			case <-s.ctx.Done():
				return
			}
		case frameHeartbeat:
			hb, err := task.UnpackHeartbeat(payload)
			if err != nil {
				log.Errorf("Dropping malformed heartbeat (%s): %s", sc.id, err)
				return
			}
			select {
			case s.Heartbeats <- hb:
			case <-s.ctx.Done():
				return
			}
		case frameAck:
			conf, err := task.UnpackConfirmation(payload)
			if err != nil {
				log.Errorf("Dropping malformed confirmation (%s): %s", sc.id, err)
				return
			}
			select {
			case sc.acks <- conf:
			default:
			}
			select {
			case s.Confirmed <- conf:
			case <-s.ctx.Done():
				return
			}
		default:
			log.Errorf("Unexpected frame 0x%02x (%s); closing", tag, sc.id)
			return
		}
	}
}

// Disconnect broadcasts the drain notice to every connected client. New
// connections arriving afterward are turned around immediately.
func (s *Server) Disconnect() {
	s.mu.Lock()
	s.draining = true
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		if err := writeFrame(sc.conn, s.key, frameDisconnect, nil); err != nil {
			log.Debugf("Disconnect notice failed (%s): %s", sc.id, err)
			continue
		}
		log.Debugf("Disconnect requested (%s: %s)", sc.host, sc.id)
	}
}

// Evict forcibly closes a client connection; the caller reverts its
// in-flight tasks.
func (s *Server) Evict(clientID string) {
	s.mu.Lock()
	sc, ok := s.conns[clientID]
	s.mu.Unlock()
	if ok {
		_ = sc.conn.Close()
	}
}

// Addr reports the bound listen address (useful with port 0).
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Connected reports the ids of currently connected clients.
func (s *Server) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close tears the server down: listener first, then every connection.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.mu.Lock()
	for _, sc := range s.conns {
		_ = sc.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
