package queue

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	req := require.New(t)
	key := []byte("secret-key")
	var buf bytes.Buffer

	payload := []byte(`{"hello":"world"}`)
	req.NoError(writeFrame(&buf, key, frameBundleOut, payload))

	tag, decoded, err := readFrame(&buf, key)
	req.NoError(err)
	req.Equal(frameBundleOut, tag)
	req.Equal(payload, decoded)
}

func TestFrameEmptyPayload(t *testing.T) {
	req := require.New(t)
	key := []byte("secret-key")
	var buf bytes.Buffer

	req.NoError(writeFrame(&buf, key, frameDisconnect, nil))
	tag, decoded, err := readFrame(&buf, key)
	req.NoError(err)
	req.Equal(frameDisconnect, tag)
	req.Empty(decoded)
}

func TestFrameKeyMismatch(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	req.NoError(writeFrame(&buf, []byte("right-key"), frameHeartbeat, []byte("data")))

	_, _, err := readFrame(&buf, []byte("wrong-key"))
	req.ErrorIs(err, ErrMalformed)
}

func TestFrameTampered(t *testing.T) {
	req := require.New(t)
	key := []byte("secret-key")
	var buf bytes.Buffer
	req.NoError(writeFrame(&buf, key, frameBundleIn, []byte("payload")))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff
	_, _, err := readFrame(bytes.NewReader(raw), key)
	req.ErrorIs(err, ErrMalformed)
}

func TestFrameLengthBound(t *testing.T) {
	req := require.New(t)
	key := []byte("secret-key")
	raw := []byte{frameBundleOut, 0xff, 0xff, 0xff, 0xff}
	_, _, err := readFrame(bytes.NewReader(raw), key)
	req.ErrorIs(err, ErrMalformed)
}
