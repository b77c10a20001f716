package cluster

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/server"
)

// RunAutoscaling runs the server with a feedback-controlled fleet: the
// autoscaler samples task pressure and invokes the launcher to add
// clients within the configured bounds. Autoscaling implies forever mode
// for scheduling; the run ends on interrupt.
func RunAutoscaling(ctx context.Context, cfg *config.Config, opts Options) error {
	auth, err := oneShotKey()
	if err != nil {
		return err
	}
	cfg.Server.Bind = "0.0.0.0"
	cfg.Server.Auth = auth
	opts.Server.Forever = true
	opts.Server.NoConfirm = opts.NoConfirm

	srv, err := server.New(ctx, cfg, opts.Server)
	if err != nil {
		return err
	}
	defer srv.Close()

	launcher := opts.Launcher
	if launcher == "" {
		launcher = cfg.Autoscale.Launcher
	}
	argv := strings.TrimSpace(launcher + " " + clientArgv(cfg, opts, srv.Port(), auth))

	scaler := NewAutoscaler(srv.Store(), nil)
	scaler.Policy = cfg.Autoscale.Policy
	scaler.Factor = cfg.Autoscale.Factor
	scaler.Period = cfg.Autoscale.Period.Std()
	scaler.Init = cfg.Autoscale.Size.Init
	scaler.Min = cfg.Autoscale.Size.Min
	scaler.Max = cfg.Autoscale.Size.Max
	scaler.ExecutorsPerClient = opts.NumTasks
	scaler.Launch = func(lctx context.Context) error {
		log.Debugf("Launching client: %s", argv)
		cmd := exec.Command("/bin/sh", "-c", argv)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return &LauncherError{Cmd: argv, Err: err}
		}
		go func() {
			if err := cmd.Wait(); err != nil && lctx.Err() == nil {
				log.Warnf("Launched client exited: %s", err)
			}
		}()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return scaler.Run(gctx) })
	return g.Wait()
}
