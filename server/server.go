package server

import (
	"context"
	"io"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/template"
)

var log = logging.Logger("server")

// Options select the server mode on top of the loaded configuration.
type Options struct {
	// Source provides task args line by line; nil runs without a
	// submitter (forever or restart mode).
	Source io.Reader
	// Live disables the database: bundles flow straight from the
	// submitter to the queue and completions are not recorded.
	Live    bool
	Forever bool
	Restart bool
	// NoConfirm disables per-bundle delivery acknowledgement.
	NoConfirm  bool
	MaxRetries int
	Eager      bool
	// FailureSink receives the original args of failed tasks, one per
	// line.
	FailureSink io.Writer
	// SubmitTemplate optionally expands args into commands at submit
	// time.
	SubmitTemplate string
	Tags           map[string]string
}

// Server wraps the shared queue and the task database with the
// submitter, scheduler, receiver, and heart monitor loops.
type Server struct {
	cfg  *config.Config
	opts Options

	queue     *queue.Server
	store     *database.Store
	submitter *Submitter
	scheduler *Scheduler
	receiver  *Receiver
	heart     *HeartMonitor
}

// New opens the store (unless live) and binds the queue server.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{cfg: cfg, opts: opts}

	if opts.Live && opts.MaxRetries > 0 {
		log.Warn("Retries disabled in live mode")
	}
	if !opts.Live {
		store, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	q, err := queue.Listen(cfg.Server, opts.NoConfirm)
	if err != nil {
		if s.store != nil {
			_ = s.store.Close()
		}
		return nil, err
	}
	s.queue = q

	var tmpl *template.Template
	if opts.SubmitTemplate != "" && opts.SubmitTemplate != template.DefaultTemplate {
		tmpl = template.New(opts.SubmitTemplate)
	}
	if opts.Source != nil {
		s.submitter = NewSubmitter(opts.Source, s.store, s.queue, tmpl, opts.Tags,
			cfg.Submit.Bundlesize, cfg.Submit.Bundlewait.Std())
	}
	if !opts.Live {
		active := func() bool { return false }
		if s.submitter != nil {
			active = s.submitter.Active
		}
		s.scheduler = NewScheduler(s.store, s.queue, SchedulerConfig{
			Bundlesize:      cfg.Server.Bundlesize,
			Queuesize:       cfg.Server.Queuesize,
			Attempts:        opts.MaxRetries + 1,
			Eager:           opts.Eager,
			Forever:         opts.Forever,
			Restart:         opts.Restart,
			Wait:            cfg.Server.Wait.Std(),
			SubmitterActive: active,
		})
	}
	s.receiver = NewReceiver(s.store, s.queue, opts.FailureSink)
	s.heart = NewHeartMonitor(s.store, s.queue, cfg.Server.Evict.Std(), nil)
	return s, nil
}

// Store exposes the task store for in-process collaborators (autoscaler,
// task wait). Nil in live mode.
func (s *Server) Store() *database.Store { return s.store }

// Port reports the bound queue port (useful when configured as 0).
func (s *Server) Port() int {
	return s.queue.Addr().(*net.TCPAddr).Port
}

// Failed reports ingested failures, for the cluster exit status.
func (s *Server) Failed() int64 { return s.receiver.Failed() }

// Run starts all component loops and blocks until drain completes or the
// context is cancelled. Teardown is in reverse order of construction.
func (s *Server) Run(ctx context.Context) error {
	log.Debug("Started")
	g, gctx := errgroup.WithContext(ctx)

	recvCtx, stopReceiver := context.WithCancel(context.Background())
	defer stopReceiver()
	heartDone := make(chan struct{})
	schedDone := make(chan struct{})
	subDone := make(chan struct{})

	g.Go(func() error {
		return s.receiver.Run(recvCtx)
	})
	g.Go(func() error {
		defer close(heartDone)
		return s.heart.Run(gctx)
	})
	if s.submitter != nil {
		g.Go(func() error {
			defer close(subDone)
			return s.submitter.Run(gctx)
		})
	} else {
		close(subDone)
	}
	if s.scheduler != nil {
		g.Go(func() error {
			defer close(schedDone)
			return s.scheduler.Run(gctx)
		})
	} else {
		close(schedDone)
	}

	// coordinator: sequence the drain exactly as work finishes
	g.Go(func() error {
		select {
		case <-subDone:
		case <-gctx.Done():
		}
		select {
		case <-schedDone:
		case <-gctx.Done():
		}
		if s.scheduler == nil && gctx.Err() == nil {
			s.waitOutstanding(gctx)
		}
		s.heart.SignalSchedulerDone()
		s.queue.Disconnect()
		select {
		case <-heartDone:
		case <-gctx.Done():
			<-heartDone
		}
		stopReceiver()
		return nil
	})

	err := g.Wait()
	stopReceiver()
	log.Infof("Completed %d task(s), %d failed", s.receiver.Completed(), s.receiver.Failed())
	log.Debug("Done")
	return err
}

// waitOutstanding blocks until every submitted task has come back, the
// live-mode substitute for the scheduler's drain decision.
func (s *Server) waitOutstanding(ctx context.Context) {
	for {
		if s.submitter == nil || s.receiver.Completed() >= s.submitter.Submitted() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Close tears down the queue and the store, in that order.
func (s *Server) Close() error {
	var err error
	if s.queue != nil {
		err = multierr.Append(err, s.queue.Close())
		s.queue = nil
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
		s.store = nil
	}
	return err
}
