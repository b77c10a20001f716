package client

import (
	"context"
	"time"

	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

// heartbeat registers this client's liveness with the server at the
// configured heartrate; the final notice carries the finished state so
// the server drops the registration without waiting for eviction.
type heartbeat struct {
	queue     *queue.Client
	heartrate time.Duration
}

func (h *heartbeat) run(ctx context.Context) error {
	log.Debug("Started (heartbeat)")
	if err := h.queue.Beat(task.NewHeartbeat(task.ClientRunning)); err != nil {
		return err
	}
	ticker := time.NewTicker(h.heartrate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// final notice on a best-effort basis; the connection may
			// already be gone
			if err := h.queue.Beat(task.NewHeartbeat(task.ClientFinished)); err != nil {
				log.Debug("Could not send final heartbeat: ", err)
			}
			log.Debug("Done (heartbeat)")
			return nil
		case <-ticker.C:
			if err := h.queue.Beat(task.NewHeartbeat(task.ClientRunning)); err != nil {
				log.Debug("Could not send heartbeat: ", err)
				return nil
			}
		}
	}
}
