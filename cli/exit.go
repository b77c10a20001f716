package cli

import (
	"context"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/cluster"
	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/queue"
)

// Exit codes for the hs command.
const (
	ExitSuccess     = 0
	ExitInternal    = 1
	ExitUsage       = 2
	ExitAuth        = 3
	ExitLauncher    = 4
	ExitDatabase    = 5
	ExitInterrupted = 6
	ExitTimeout     = 7
)

// ErrTimeout reports that a wait deadline elapsed (task wait --timeout).
var ErrTimeout = xerrors.New("timed out")

// WithExitCode maps error kinds to the documented exit codes. Task
// failures surface as code 1 like any other unhandled failure.
func WithExitCode(err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *config.Error
	var dbErr *database.Error
	var launchErr *cluster.LauncherError
	switch {
	case xerrors.Is(err, context.Canceled):
		return cli.Exit("interrupted", ExitInterrupted)
	case xerrors.Is(err, ErrTimeout):
		return cli.Exit(err.Error(), ExitTimeout)
	case xerrors.Is(err, queue.ErrAuth):
		log.Error("Authentication failed")
		return cli.Exit(err.Error(), ExitAuth)
	case xerrors.As(err, &launchErr):
		return cli.Exit(err.Error(), ExitLauncher)
	case xerrors.As(err, &dbErr):
		return cli.Exit(err.Error(), ExitDatabase)
	case xerrors.As(err, &cfgErr):
		return cli.Exit(err.Error(), ExitUsage)
	default:
		return cli.Exit(err.Error(), ExitInternal)
	}
}

// usageError reports a bad flag combination with the usage exit code.
func usageError(format string, args ...interface{}) error {
	return cli.Exit(xerrors.Errorf(format, args...).Error(), ExitUsage)
}
