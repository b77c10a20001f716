package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glentner/hypershell/build"
	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/server"
)

// clientArgv composes the command line a launcher uses to start one
// remote client against this server.
func clientArgv(cfg *config.Config, opts Options, port int, auth string) string {
	exe := opts.RemoteExe
	if exe == "" {
		exe = "hs"
	}
	tmpl := opts.Template
	if tmpl == "" {
		tmpl = "{}"
	}
	argv := fmt.Sprintf("%s client -H %s -p %d -N %d -b %d -w %d -t %q -k %s",
		exe, build.Hostname, port, opts.NumTasks,
		cfg.Client.Bundlesize, cfg.Client.Bundlewait.Seconds(), tmpl, auth)
	if opts.DelayStart != 0 {
		argv += fmt.Sprintf(" -d %d", int(opts.DelayStart/time.Second))
	}
	if opts.Capture {
		argv += " --capture"
	}
	if opts.NoConfirm {
		argv += " --no-confirm"
	}
	return argv
}

// RunRemote runs the server locally and starts clients through the
// external launcher (e.g. mpirun, srun). The server binds all interfaces
// with a one-shot key passed to the launched clients.
func RunRemote(ctx context.Context, cfg *config.Config, opts Options) error {
	auth, err := oneShotKey()
	if err != nil {
		return err
	}
	cfg.Server.Bind = "0.0.0.0"
	cfg.Server.Auth = auth
	opts.Server.NoConfirm = opts.NoConfirm

	srv, err := server.New(ctx, cfg, opts.Server)
	if err != nil {
		return err
	}
	defer srv.Close()

	argv := strings.TrimSpace(opts.Launcher + " " + clientArgv(cfg, opts, srv.Port(), auth))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		// give the server a moment to bind before clients dial in
		select {
		case <-time.After(2 * time.Second):
		case <-gctx.Done():
			return nil
		}
		log.Debugf("Launching clients: %s", argv)
		cmd := exec.CommandContext(gctx, "/bin/sh", "-c", argv)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		if err := cmd.Run(); err != nil && gctx.Err() == nil {
			return &LauncherError{Cmd: argv, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return finalStatus(ctx, srv)
}

// LauncherError is a failed launcher invocation.
type LauncherError struct {
	Cmd string
	Err error
}

func (e *LauncherError) Error() string {
	return fmt.Sprintf("launcher failed (%s): %s", e.Cmd, e.Err)
}

func (e *LauncherError) Unwrap() error { return e.Err }
