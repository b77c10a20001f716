package config

import (
	"encoding"
	"time"
)

// Config is the full recognized option set. Values merge depth-first from
// compiled defaults, the system/user/local TOML files, HYPERSHELL_-prefixed
// environment variables, and finally command-line flags.
type Config struct {
	Logging   Logging
	Database  Database
	Server    Server
	Client    Client
	Submit    Submit
	Task      Task
	Autoscale Autoscale
	SSH       SSH `toml:"ssh" envconfig:"SSH"`
}

// Logging is the logging system config
type Logging struct {
	// Level is the minimum severity to emit (trace through critical).
	Level string
	// Style selects the output format: default, detailed, or system.
	Style string
}

type Database struct {
	// Provider selects the backend, either "sqlite" or "postgres".
	Provider string
	// File is the database path for embedded (sqlite) backends.
	File string
	Host string
	Port int
	User string
	// Password may instead be given as password_env or password_eval in
	// the configuration file for late expansion.
	Password string
	Schema   string
}

type Server struct {
	// Bind address for the queue server. The default auth key is rejected
	// on any bind other than localhost.
	Bind string
	Port int
	// Auth is the pre-shared key authenticating clients at the framing
	// layer.
	Auth string
	// Queuesize bounds the number of outstanding scheduled bundles; the
	// scheduler blocks when full.
	Queuesize  int
	Bundlesize int
	Bundlewait Duration
	// Attempts is 1 + max retries for failed tasks.
	Attempts int
	// Eager schedules previously failed tasks ahead of novel tasks.
	Eager bool
	// Wait is the pause between database polls when no work is eligible.
	Wait Duration
	// Evict is the period of heartbeat silence after which a client
	// registration is dropped and its in-flight tasks reverted.
	Evict Duration
}

type Client struct {
	// Bundlesize bounds the return bundle of finished tasks.
	Bundlesize int
	// Bundlewait forces a return-bundle flush regardless of size.
	Bundlewait Duration
	// Heartrate is the period between heartbeats.
	Heartrate Duration
	// Timeout shuts the client down after this much idle time with no
	// bundle received. Zero disables the timeout.
	Timeout Duration
}

type Submit struct {
	Bundlesize int
	Bundlewait Duration
}

type Task struct {
	// Cwd is the working directory tasks are spawned in.
	Cwd string
	// Timeout is the task walltime limit; zero waits indefinitely.
	Timeout Duration
	// Signalwait is the pause between INT, TERM, and KILL on timeout.
	Signalwait Duration
}

type Autoscale struct {
	// Policy is either "fixed" or "dynamic".
	Policy string
	// Factor scales the pressure threshold for the dynamic policy.
	Factor float64
	// Period is the pause between autoscaler evaluations.
	Period Duration
	// Launcher is the external command used to start new clients.
	Launcher string
	Size     ScaleSize
}

type ScaleSize struct {
	Init int
	Min  int
	Max  int
}

type SSH struct {
	// Args are extra command-line arguments for ssh invocations.
	Args string
	// Nodelist maps group names to host lists for --ssh-group.
	Nodelist map[string][]string
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration for decoding and encoding
// from/to TOML and the environment. Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		// bare numbers are seconds, as in the original configuration
		s, serr := time.ParseDuration(string(text) + "s")
		if serr != nil {
			return err
		}
		d = s
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

func (dur Duration) Std() time.Duration {
	return time.Duration(dur)
}

// Seconds reports the duration as whole seconds for flag round-trips.
func (dur Duration) Seconds() int {
	return int(time.Duration(dur) / time.Second)
}
