package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultAuthkey is a placeholder that must be replaced before exposing a
// server beyond localhost.
const DefaultAuthkey = "__HYPERSHELL__BAD__AUTHKEY__"

// DefaultPort is the wire protocol port for the queue server.
const DefaultPort = 50001

// Default returns the compiled default configuration.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		Logging: Logging{
			Level: "warning",
			Style: "default",
		},
		Database: Database{
			Provider: "sqlite",
			File:     filepath.Join(LibDir(), "task.db"),
			Port:     5432,
			Schema:   "",
		},
		Server: Server{
			Bind:       "localhost",
			Port:       DefaultPort,
			Auth:       DefaultAuthkey,
			Queuesize:  1,
			Bundlesize: 1,
			Bundlewait: Duration(5 * time.Second),
			Attempts:   1,
			Eager:      false,
			Wait:       Duration(5 * time.Second),
			Evict:      Duration(600 * time.Second),
		},
		Client: Client{
			Bundlesize: 1,
			Bundlewait: Duration(5 * time.Second),
			Heartrate:  Duration(10 * time.Second),
			Timeout:    0,
		},
		Submit: Submit{
			Bundlesize: 1,
			Bundlewait: Duration(5 * time.Second),
		},
		Task: Task{
			Cwd:        cwd,
			Timeout:    0,
			Signalwait: Duration(10 * time.Second),
		},
		Autoscale: Autoscale{
			Policy:   "fixed",
			Factor:   1,
			Period:   Duration(60 * time.Second),
			Launcher: "",
			Size: ScaleSize{
				Init: 1,
				Min:  0,
				Max:  2,
			},
		},
		SSH: SSH{
			Nodelist: map[string][]string{},
		},
	}
}
