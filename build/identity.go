package build

import (
	"os"

	"github.com/google/uuid"
)

// Hostname is resolved once at startup and stamped on every record this
// process touches (submit_host, server_host, or client_host depending on
// which role is running).
var Hostname string

// Instance uniquely identifies this process for the lifetime of the run.
// A client uses it as its client_id, a server as its server_id.
var Instance string

func init() {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	Hostname = host
	Instance = uuid.New().String()
}
