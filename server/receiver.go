package server

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/lib/retry"
	"github.com/glentner/hypershell/metrics"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

// Receiver ingests completed bundles and delivery confirmations from the
// return path, updates the store, and emits failed task args to the
// configured failure sink.
type Receiver struct {
	store    *database.Store // nil in live mode
	queue    *queue.Server
	failures io.Writer // may be nil

	completed atomic.Int64
	failed    atomic.Int64
}

func NewReceiver(store *database.Store, q *queue.Server, failures io.Writer) *Receiver {
	return &Receiver{store: store, queue: q, failures: failures}
}

// Completed reports how many task completions have been ingested.
func (r *Receiver) Completed() int64 { return r.completed.Load() }

// Failed reports how many ingested completions had non-zero status.
func (r *Receiver) Failed() int64 { return r.failed.Load() }

// Run consumes the return path until the context is cancelled, then
// drains whatever is already buffered.
func (r *Receiver) Run(ctx context.Context) error {
	log.Debug("Started (receiver)")
	for {
		select {
		case bundle := <-r.queue.Completed:
			if err := r.ingest(ctx, bundle); err != nil {
				return err
			}
		case conf := <-r.queue.Confirmed:
			if err := r.recordDelivery(ctx, conf); err != nil {
				return err
			}
		case <-ctx.Done():
			for {
				select {
				case bundle := <-r.queue.Completed:
					if err := r.ingest(context.Background(), bundle); err != nil {
						return err
					}
				default:
					log.Debug("Done (receiver)")
					return nil
				}
			}
		}
	}
}

func (r *Receiver) ingest(ctx context.Context, bundle task.Bundle) error {
	for _, t := range bundle {
		if r.store != nil {
			applied, err := retry.Retry(ctx, 4, &backoff.Backoff{Min: time.Second, Max: 30 * time.Second},
				[]error{&database.Error{}}, func() (bool, error) {
					return r.store.Complete(ctx, t)
				})
			if err != nil {
				log.Error("Could not record completion: ", err)
				return err
			}
			if !applied {
				continue
			}
		}
		r.completed.Add(1)
		metrics.RecordCompleted(ctx, t.Failed())
		log.Debugf("Completed task (%s)", t.ID)
		if t.Failed() {
			r.failed.Add(1)
			log.Warnf("Non-zero exit status (%d) for task (%s)", *t.ExitStatus, t.ID)
			if r.failures != nil {
				if _, err := fmt.Fprintln(r.failures, t.Args); err != nil {
					log.Error("Could not write failure sink: ", err)
				}
			}
		}
	}
	return nil
}

func (r *Receiver) recordDelivery(ctx context.Context, conf task.Confirmation) error {
	log.Debugf("Confirmed %d task(s) (%s: %s)", len(conf.TaskIDs), conf.ClientHost, conf.ClientID)
	if r.store == nil {
		return nil
	}
	_, err := retry.Retry(ctx, 4, &backoff.Backoff{Min: time.Second, Max: 30 * time.Second},
		[]error{&database.Error{}}, func() (struct{}, error) {
			return struct{}{}, r.store.RecordDelivery(ctx, conf)
		})
	return err
}
