package server

import (
	"context"
	"time"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

// Scheduler selects eligible tasks from the store in batches and
// publishes them onto the bounded queue. It runs only when a database is
// in use. On idle it polls with the configured pause; in forever mode it
// never drains, and in restart mode previously interrupted tasks are
// reverted before the loop begins.
type Scheduler struct {
	store      *database.Store
	queue      *queue.Server
	bundlesize int
	queuesize  int
	attempts   int // 1 + max retries
	eager      bool
	forever    bool
	restart    bool
	wait       time.Duration

	// submitterActive gates the drain decision: with a live submitter
	// more work may still arrive even when nothing is eligible now.
	submitterActive func() bool

	startup bool
}

func NewScheduler(store *database.Store, q *queue.Server, cfg SchedulerConfig) *Scheduler {
	active := cfg.SubmitterActive
	if active == nil {
		active = func() bool { return false }
	}
	return &Scheduler{
		store:           store,
		queue:           q,
		bundlesize:      cfg.Bundlesize,
		queuesize:       cfg.Queuesize,
		attempts:        cfg.Attempts,
		eager:           cfg.Eager,
		forever:         cfg.Forever,
		restart:         cfg.Restart,
		wait:            cfg.Wait,
		submitterActive: active,
		startup:         !cfg.Restart,
	}
}

type SchedulerConfig struct {
	Bundlesize      int
	Queuesize       int
	Attempts        int
	Eager           bool
	Forever         bool
	Restart         bool
	Wait            time.Duration
	SubmitterActive func() bool
}

// Run drives the claim loop until drain or cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Debug("Started (scheduler)")
	if s.forever {
		log.Info("Scheduler will run forever")
	}
	if err := s.startupReport(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug("Done (scheduler)")
			return nil
		default:
		}
		demand := s.queuesize - len(s.queue.Scheduled)
		if demand <= 0 {
			if !s.sleep(ctx) {
				return nil
			}
			continue
		}
		claimed, err := s.store.ClaimNext(ctx, s.bundlesize*demand, s.eager)
		if err != nil {
			return err
		}
		if len(claimed) > 0 {
			s.startup = false
			if err := s.publish(ctx, claimed); err != nil {
				return err
			}
			continue
		}
		if s.attempts > 1 {
			if err := s.scheduleRetries(ctx); err != nil {
				return err
			}
		}
		done, err := s.shouldDrain(ctx)
		if err != nil {
			return err
		}
		if done {
			log.Debug("Done (scheduler)")
			return nil
		}
		if !s.sleep(ctx) {
			return nil
		}
	}
}

// startupReport reverts interrupted tasks left over from a previous
// server and reports on existing state, as any fresh run would want to
// know whether the database was reused.
func (s *Scheduler) startupReport(ctx context.Context) error {
	count, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	remaining, err := s.store.CountRemaining(ctx)
	if err != nil {
		return err
	}
	log.Warnf("Database exists (%d previous tasks)", count)
	if remaining == 0 {
		log.Warn("All tasks completed - did you mean to use the same database?")
		return nil
	}
	interrupted, err := s.store.CountInterrupted(ctx)
	if err != nil {
		return err
	}
	log.Infof("Found %d unfinished task(s)", remaining)
	if interrupted > 0 {
		reverted, err := s.store.RevertInterrupted(ctx)
		if err != nil {
			return err
		}
		log.Infof("Reverted %d previously interrupted task(s)", reverted)
	}
	return nil
}

// publish partitions claimed tasks into bundles of exactly bundlesize
// (the last may be short) and enqueues them, blocking when the queue is
// full.
func (s *Scheduler) publish(ctx context.Context, claimed []*task.Task) error {
	for start := 0; start < len(claimed); start += s.bundlesize {
		end := start + s.bundlesize
		if end > len(claimed) {
			end = len(claimed)
		}
		bundle := task.Bundle(claimed[start:end])
		select {
		case s.queue.Scheduled <- bundle:
			for _, t := range bundle {
				log.Debugf("Scheduled task (%s)", t.ID)
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// scheduleRetries creates successor attempts for failed tasks still under
// the attempt limit; the new rows become claimable immediately.
func (s *Scheduler) scheduleRetries(ctx context.Context) error {
	candidates, err := s.store.RetryCandidates(ctx, s.attempts, s.bundlesize*s.queuesize)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	_, err = s.store.InsertRetries(ctx, candidates)
	return err
}

// shouldDrain reports whether scheduling is over: nothing eligible, no
// live submitter, at least one task ever existed, and nothing remains
// incomplete.
func (s *Scheduler) shouldDrain(ctx context.Context) (bool, error) {
	if s.forever || s.startup || s.submitterActive() {
		return false, nil
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		// an empty database must wait for at least one task
		return false, nil
	}
	remaining, err := s.store.CountRemaining(ctx)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.wait):
		return true
	}
}
