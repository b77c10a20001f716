package client

import (
	"context"
	"time"

	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

// collector accumulates finished tasks into a return bundle, pushing it
// back to the server when the bundle fills or bundlewait elapses. The
// final partial bundle is always flushed before shutdown.
type collector struct {
	queue      *queue.Client
	outbound   <-chan *task.Task
	bundlesize int
	bundlewait time.Duration
}

func (c *collector) run(ctx context.Context) error {
	log.Debug("Started (collector)")
	var bundle task.Bundle
	timer := time.NewTimer(c.bundlewait)
	defer timer.Stop()

	flush := func() error {
		if len(bundle) == 0 {
			return nil
		}
		if err := c.queue.Push(bundle); err != nil {
			log.Error("Could not return bundle: ", err)
			return err
		}
		log.Debugf("Bundle returned (%d tasks)", len(bundle))
		bundle = nil
		return nil
	}

	for {
		select {
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(c.bundlewait)
		case t, ok := <-c.outbound:
			if !ok {
				err := flush()
				log.Debug("Done (collector)")
				return err
			}
			bundle = append(bundle, t)
			if len(bundle) >= c.bundlesize {
				if err := flush(); err != nil {
					return err
				}
				timer.Reset(c.bundlewait)
			}
		}
	}
}
