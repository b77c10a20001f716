package client

import (
	"context"
	"time"

	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

// scheduler pulls bundles from the server and hands tasks to idle
// executors. It never buffers more than one staged bundle: distributing
// the current bundle blocks until executors free up, and the transport
// carries the backpressure to the server.
type scheduler struct {
	queue     *queue.Client
	inbound   chan<- *task.Task
	noConfirm bool
	timeout   time.Duration // idle shutdown; zero waits for disconnect
}

// run receives until disconnect, idle timeout, or cancellation; the
// inbound channel is closed on return so the executors drain and exit.
func (s *scheduler) run(ctx context.Context) error {
	defer close(s.inbound)
	if s.timeout > 0 {
		log.Debugf("Started (scheduler: %s timeout)", s.timeout)
	} else {
		log.Debug("Started (scheduler: no timeout)")
	}

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.timeout > 0 {
		idleTimer = time.NewTimer(s.timeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.queue.Disconnected:
			return nil
		case <-idle:
			log.Debugf("Timeout reached (%s)", s.timeout)
			return nil
		case bundle, ok := <-s.queue.Inbound:
			if !ok {
				return nil
			}
			if idleTimer != nil {
				if !idleTimer.Stop() {
					<-idleTimer.C
				}
				idleTimer.Reset(s.timeout)
			}
			log.Debugf("Received %d task(s)", len(bundle))
			if !s.noConfirm {
				if err := s.queue.Ack(task.NewConfirmation(bundle)); err != nil {
					log.Error("Could not confirm bundle: ", err)
					return err
				}
			}
			for _, t := range bundle {
				select {
				case s.inbound <- t:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}
