package task

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/build"
)

// Exit status sentinels for tasks that never ran to completion.
const (
	StatusCancelled     = -1
	StatusTemplateError = -2
)

// Task is one shell command line submitted for execution. The id is
// immutable; a retried attempt is a new Task with PreviousID set.
type Task struct {
	ID   string `json:"id" db:"id"`
	Args string `json:"args" db:"args"`

	SubmitID   string    `json:"submit_id" db:"submit_id"`
	SubmitHost string    `json:"submit_host" db:"submit_host"`
	SubmitTime time.Time `json:"submit_time" db:"submit_time"`

	ServerID     *string    `json:"server_id" db:"server_id"`
	ServerHost   *string    `json:"server_host" db:"server_host"`
	ScheduleTime *time.Time `json:"schedule_time" db:"schedule_time"`

	ClientID       *string    `json:"client_id" db:"client_id"`
	ClientHost     *string    `json:"client_host" db:"client_host"`
	Command        *string    `json:"command" db:"command"`
	StartTime      *time.Time `json:"start_time" db:"start_time"`
	CompletionTime *time.Time `json:"completion_time" db:"completion_time"`
	ExitStatus     *int64     `json:"exit_status" db:"exit_status"`

	Outpath *string `json:"outpath" db:"outpath"`
	Errpath *string `json:"errpath" db:"errpath"`

	Attempt    int64   `json:"attempt" db:"attempt"`
	Retried    bool    `json:"retried" db:"retried"`
	PreviousID *string `json:"previous_id" db:"previous_id"`

	// Waited and Duration are derived deltas in whole seconds.
	Waited   *int64 `json:"waited" db:"waited"`
	Duration *int64 `json:"duration" db:"duration"`

	Tags map[string]string `json:"tag" db:"-"`
}

// New creates a task for the given command-line args, stamped with this
// process as the submitter.
func New(args string) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Args:       strings.TrimSpace(args),
		SubmitID:   build.Instance,
		SubmitHost: build.Hostname,
		SubmitTime: time.Now().UTC(),
		Attempt:    1,
		Tags:       map[string]string{},
	}
}

// NewRetry creates the successor attempt for a failed task. Tags carry
// over from the predecessor.
func NewRetry(prev *Task) *Task {
	next := New(prev.Args)
	next.Attempt = prev.Attempt + 1
	id := prev.ID
	next.PreviousID = &id
	for key, value := range prev.Tags {
		next.Tags[key] = value
	}
	return next
}

// Schedulable reports whether the task is eligible for claiming.
func (t *Task) Schedulable() bool { return t.ScheduleTime == nil }

// Complete reports whether a final exit status has been recorded.
func (t *Task) Complete() bool { return t.ExitStatus != nil }

// Failed reports whether the task completed with a non-zero status.
func (t *Task) Failed() bool { return t.ExitStatus != nil && *t.ExitStatus != 0 }

// Pack encodes the task as raw JSON bytes for transport.
func (t *Task) Pack() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, xerrors.Errorf("pack task %s: %w", t.ID, err)
	}
	return data, nil
}

// Unpack decodes a task from raw JSON bytes.
func Unpack(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, xerrors.Errorf("unpack task: %w", err)
	}
	if t.Tags == nil {
		t.Tags = map[string]string{}
	}
	return &t, nil
}

// Finish records the outcome of a run and derives the timing deltas.
func (t *Task) Finish(exitStatus int64, start, end time.Time) {
	t.StartTime = &start
	t.CompletionTime = &end
	t.ExitStatus = &exitStatus
	waited := int64(start.Sub(t.SubmitTime) / time.Second)
	duration := int64(end.Sub(start) / time.Second)
	t.Waited = &waited
	t.Duration = &duration
}

// Bundle is an ordered group of tasks transported as a unit.
type Bundle []*Task

// PackBundle encodes a bundle as a JSON array of packed tasks.
func PackBundle(bundle Bundle) ([]byte, error) {
	packed := make([]json.RawMessage, 0, len(bundle))
	for _, t := range bundle {
		data, err := t.Pack()
		if err != nil {
			return nil, err
		}
		packed = append(packed, data)
	}
	return json.Marshal(packed)
}

// UnpackBundle decodes a bundle from its wire form.
func UnpackBundle(data []byte) (Bundle, error) {
	var packed []json.RawMessage
	if err := json.Unmarshal(data, &packed); err != nil {
		return nil, xerrors.Errorf("unpack bundle: %w", err)
	}
	bundle := make(Bundle, 0, len(packed))
	for _, raw := range packed {
		t, err := Unpack(raw)
		if err != nil {
			return nil, err
		}
		bundle = append(bundle, t)
	}
	return bundle, nil
}

// IDs lists the task ids in bundle order.
func (b Bundle) IDs() []string {
	ids := make([]string, len(b))
	for i, t := range b {
		ids[i] = t.ID
	}
	return ids
}
