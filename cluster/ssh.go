package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/server"
)

// NodeList is the set of remote hosts for an SSH cluster.
type NodeList []string

// NodeListFromConfig resolves a named group from ssh.nodelist.
func NodeListFromConfig(cfg *config.Config, group string) (NodeList, error) {
	hosts, ok := cfg.SSH.Nodelist[group]
	if !ok || len(hosts) == 0 {
		return nil, xerrors.Errorf("no ssh nodelist group %q in configuration", group)
	}
	return hosts, nil
}

// NodeListFromCmdline parses a comma-separated host list.
func NodeListFromCmdline(arg string) (NodeList, error) {
	var hosts NodeList
	for _, host := range strings.Split(arg, ",") {
		host = strings.TrimSpace(host)
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, xerrors.New("empty ssh host list")
	}
	return hosts, nil
}

// SSHOptions extend the cluster options with the host fleet.
type SSHOptions struct {
	Options
	Nodelist NodeList
	SSHArgs  string
	// ExportEnv forwards HYPERSHELL_EXPORT_* variables to remote hosts.
	ExportEnv bool
}

// RunSSH runs the server locally and one client per host over ssh.
func RunSSH(ctx context.Context, cfg *config.Config, opts SSHOptions) error {
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

	argv := clientArgv(cfg, opts.Options, srv.Port(), auth)
	if opts.ExportEnv {
		var exports []string
		for _, entry := range os.Environ() {
			if strings.HasPrefix(entry, "HYPERSHELL_EXPORT_") {
				exports = append(exports, entry)
			}
		}
		if len(exports) > 0 {
			argv = strings.Join(exports, " ") + " " + argv
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	for _, host := range opts.Nodelist {
		g.Go(func() error {
			select {
			case <-time.After(2 * time.Second):
			case <-gctx.Done():
				return nil
			}
			remote := fmt.Sprintf("ssh %s %s %q", opts.SSHArgs, host, argv)
			log.Debugf("Launching client (%s): %s", host, remote)
			cmd := exec.CommandContext(gctx, "/bin/sh", "-c", remote)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil && gctx.Err() == nil {
				return &LauncherError{Cmd: remote, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return finalStatus(ctx, srv)
}
