package client

import (
	"context"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
	"github.com/glentner/hypershell/template"
)

var log = logging.Logger("client")

// Options select the worker-agent behavior on top of the loaded
// configuration.
type Options struct {
	// NumTasks is the executor pool size.
	NumTasks int
	// Template is the command-line pattern expanded per task.
	Template string
	Host     string
	Port     int
	Auth     string
	// DelayStart waits before connecting; negative means a uniform
	// random delay up to its magnitude (used to stagger fleets).
	DelayStart time.Duration
	NoConfirm  bool
	// Capture isolates each task's stdout/stderr in discrete files.
	Capture bool
	Output  io.Writer
	Errors  io.Writer
}

// Run connects to the server and processes bundles until disconnect,
// idle timeout, or interrupt. States flow CONNECTING -> READY -> RUNNING
// -> DRAINING -> DONE: the pull scheduler stops first, executors finish
// in-flight tasks, the collector flushes the final bundle, and the
// heartbeat sends its finished notice last.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	if opts.NumTasks < 1 {
		opts.NumTasks = 1
	}
	if opts.Template == "" {
		opts.Template = template.DefaultTemplate
	}
	waitStart(opts.DelayStart)

	q, err := queue.Connect(opts.Host, opts.Port, opts.Auth)
	if err != nil {
		return err
	}
	defer q.Close()
	log.Debugf("Started (%d executors)", opts.NumTasks)

	// SIGUSR1 forces immediate executor shutdown via signal escalation
	usr1Ctx, stopExecutors := context.WithCancel(context.Background())
	defer stopExecutors()
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		select {
		case <-usr1:
			log.Warn("Signal interrupt (SIGUSR1)")
			stopExecutors()
		case <-usr1Ctx.Done():
		}
	}()

	inbound := make(chan *task.Task, cfg.Client.Bundlesize)
	outbound := make(chan *task.Task, cfg.Client.Bundlesize)

	sched := &scheduler{
		queue:     q,
		inbound:   inbound,
		noConfirm: opts.NoConfirm,
		timeout:   cfg.Client.Timeout.Std(),
	}
	coll := &collector{
		queue:      q,
		outbound:   outbound,
		bundlesize: cfg.Client.Bundlesize,
		bundlewait: cfg.Client.Bundlewait.Std(),
	}
	beat := &heartbeat{queue: q, heartrate: cfg.Client.Heartrate.Std()}

	executorCfg := ExecutorConfig{
		Template:   template.New(opts.Template),
		Output:     opts.Output,
		Errors:     opts.Errors,
		Capture:    opts.Capture,
		Cwd:        cfg.Task.Cwd,
		LibDir:     config.LibDir(),
		Timeout:    cfg.Task.Timeout.Std(),
		Signalwait: cfg.Task.Signalwait.Std(),
	}

	g, gctx := errgroup.WithContext(ctx)
	heartCtx, stopHeart := context.WithCancel(context.Background())
	defer stopHeart()

	g.Go(func() error { return sched.run(gctx) })

	var executors sync.WaitGroup
	for id := 1; id <= opts.NumTasks; id++ {
		executor := NewExecutor(id, inbound, outbound, executorCfg)
		executors.Add(1)
		g.Go(func() error {
			defer executors.Done()
			return executor.Run(usr1Ctx)
		})
	}
	g.Go(func() error {
		executors.Wait()
		close(outbound)
		return nil
	})
	g.Go(func() error {
		err := coll.run(gctx)
		stopHeart()
		return err
	})
	g.Go(func() error { return beat.run(heartCtx) })

	err = g.Wait()
	log.Debug("Done")
	return err
}

func waitStart(delay time.Duration) {
	if delay == 0 {
		return
	}
	if delay > 0 {
		log.Debugf("Waiting (%s)", delay)
		time.Sleep(delay)
		return
	}
	pause := time.Duration(rand.Int63n(int64(-delay)))
	log.Debugf("Waiting random (%s)", pause)
	time.Sleep(pause)
}
