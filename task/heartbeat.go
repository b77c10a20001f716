package task

import (
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/build"
)

// ClientState distinguishes a live heartbeat from a client's final notice.
type ClientState int

const (
	ClientRunning ClientState = iota
	ClientFinished
)

// Heartbeat is a momentary notice of a client's active status.
type Heartbeat struct {
	ClientID   string      `json:"client_id"`
	ClientHost string      `json:"client_host"`
	Time       time.Time   `json:"time"`
	State      ClientState `json:"state"`
}

// NewHeartbeat stamps a heartbeat for this process.
func NewHeartbeat(state ClientState) Heartbeat {
	return Heartbeat{
		ClientID:   build.Instance,
		ClientHost: build.Hostname,
		Time:       time.Now().UTC(),
		State:      state,
	}
}

func (hb Heartbeat) Pack() ([]byte, error) {
	data, err := json.Marshal(hb)
	if err != nil {
		return nil, xerrors.Errorf("pack heartbeat: %w", err)
	}
	return data, nil
}

func UnpackHeartbeat(data []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return hb, xerrors.Errorf("unpack heartbeat: %w", err)
	}
	return hb, nil
}

// Confirmation acknowledges delivery of a bundle and attributes its tasks
// to the receiving client.
type Confirmation struct {
	ClientID   string   `json:"client_id"`
	ClientHost string   `json:"client_host"`
	TaskIDs    []string `json:"task_ids"`
}

// NewConfirmation builds the delivery record for a received bundle.
func NewConfirmation(bundle Bundle) Confirmation {
	return Confirmation{
		ClientID:   build.Instance,
		ClientHost: build.Hostname,
		TaskIDs:    bundle.IDs(),
	}
}

func (c Confirmation) Pack() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, xerrors.Errorf("pack confirmation: %w", err)
	}
	return data, nil
}

func UnpackConfirmation(data []byte) (Confirmation, error) {
	var c Confirmation
	if err := json.Unmarshal(data, &c); err != nil {
		return c, xerrors.Errorf("unpack confirmation: %w", err)
	}
	return c, nil
}
