package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/client"
	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/server"
)

var log = logging.Logger("cluster")

// ErrTasksFailed reports that the run completed but some tasks ended with
// a non-zero status after exhausting their attempts.
var ErrTasksFailed = xerrors.New("some tasks failed")

// Options configure a full cluster run: the server options plus the local
// or launched client fleet.
type Options struct {
	Server server.Options

	NumTasks   int
	Template   string
	Capture    bool
	NoConfirm  bool
	DelayStart time.Duration
	Output     io.Writer
	Errors     io.Writer

	// Launcher is the external command prefix for remote clients, e.g.
	// "mpirun" or "srun"; empty runs the client in-process.
	Launcher  string
	RemoteExe string
}

// oneShotKey generates a private auth token for a cluster whose clients
// are all launched by this process.
func oneShotKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Errorf("generate auth key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RunLocal runs the server and a single in-process client over loopback.
func RunLocal(ctx context.Context, cfg *config.Config, opts Options) error {
	auth, err := oneShotKey()
	if err != nil {
		return err
	}
	cfg.Server.Bind = "localhost"
	cfg.Server.Auth = auth
	opts.Server.NoConfirm = opts.NoConfirm

	srv, err := server.New(ctx, cfg, opts.Server)
	if err != nil {
		return err
	}
	defer srv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		return client.Run(gctx, cfg, client.Options{
			NumTasks:   opts.NumTasks,
			Template:   opts.Template,
			Host:       "localhost",
			Port:       srv.Port(),
			Auth:       auth,
			DelayStart: opts.DelayStart,
			NoConfirm:  opts.NoConfirm,
			Capture:    opts.Capture,
			Output:     opts.Output,
			Errors:     opts.Errors,
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return finalStatus(ctx, srv)
}

// finalStatus converts unresolved task failures into a non-zero exit for
// the whole cluster run.
func finalStatus(ctx context.Context, srv *server.Server) error {
	if store := srv.Store(); store != nil {
		failed, err := store.CountTerminalFailed(ctx)
		if err != nil {
			return err
		}
		if failed > 0 {
			log.Warnf("%d task(s) failed", failed)
			return ErrTasksFailed
		}
		return nil
	}
	if srv.Failed() > 0 {
		log.Warnf("%d task(s) failed", srv.Failed())
		return ErrTasksFailed
	}
	return nil
}
