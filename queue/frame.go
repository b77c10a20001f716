package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Frame tags for the logical channels multiplexed over one stream.
const (
	frameWelcome    byte = 0x01 // server->client, carries the handshake nonce
	frameHello      byte = 0x02 // client->server, carries client id + key proof
	frameAccept     byte = 0x03 // server->client, handshake complete
	frameBundleOut  byte = 0x10 // server->client task bundle
	frameBundleIn   byte = 0x11 // client->server completed bundle
	frameHeartbeat  byte = 0x12 // client->server liveness
	frameAck        byte = 0x13 // client->server delivery confirmation
	frameDisconnect byte = 0x14 // server->client drain notice
)

const (
	macSize      = sha256.Size
	headerSize   = 5
	maxFrameSize = 1 << 26 // bundles of 10k tasks fit with a wide margin
)

// ErrAuth is a failed handshake: bad key proof or a rejected default key.
var ErrAuth = xerrors.New("authentication failed")

// ErrMalformed is an invalid frame; the connection is closed on sight.
var ErrMalformed = xerrors.New("malformed frame")

// ErrDisconnect reports an orderly server-initiated disconnect.
var ErrDisconnect = xerrors.New("disconnect received")

// writeFrame emits tag, 4-byte big-endian length, MAC over
// (tag || length || payload) keyed by the pre-shared auth token, payload.
func writeFrame(w io.Writer, key []byte, tag byte, payload []byte) error {
	if len(payload) > maxFrameSize {
		return xerrors.Errorf("frame payload too large (%d bytes)", len(payload))
	}
	var header [headerSize]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	mac := hmac.New(sha256.New, key)
	mac.Write(header[:])
	mac.Write(payload)

	frame := make([]byte, 0, headerSize+macSize+len(payload))
	frame = append(frame, header[:]...)
	frame = mac.Sum(frame)
	frame = append(frame, payload...)
	if _, err := w.Write(frame); err != nil {
		return xerrors.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads and authenticates one frame. A bad length or MAC yields
// ErrMalformed and the caller must close the connection.
func readFrame(r io.Reader, key []byte) (byte, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameSize {
		return 0, nil, ErrMalformed
	}
	var sum [macSize]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return 0, nil, ErrMalformed
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, ErrMalformed
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(header[:])
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), sum[:]) {
		return 0, nil, ErrMalformed
	}
	return header[0], payload, nil
}
