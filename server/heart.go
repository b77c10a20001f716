package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/metrics"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

// HeartMonitor tracks client registrations by their heartbeats, evicting
// any registration silent longer than the evict window. Eviction closes
// the connection and reverts the client's in-flight tasks. The monitor
// halts once scheduling is over and no clients remain.
type HeartMonitor struct {
	store *database.Store // nil in live mode
	queue *queue.Server
	evict time.Duration
	clock clock.Clock

	beats         map[string]task.Heartbeat
	schedulerDone atomic.Bool
	startup       bool
}

func NewHeartMonitor(store *database.Store, q *queue.Server, evict time.Duration, clk clock.Clock) *HeartMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &HeartMonitor{
		store:   store,
		queue:   q,
		evict:   evict,
		clock:   clk,
		beats:   map[string]task.Heartbeat{},
		startup: true,
	}
}

// SignalSchedulerDone tells the monitor no further work will be
// scheduled; it exits once the last client disconnects.
func (h *HeartMonitor) SignalSchedulerDone() { h.schedulerDone.Store(true) }

// Connected reports the number of live registrations.
func (h *HeartMonitor) Connected() int { return len(h.beats) }

// Run processes heartbeats and runs the eviction sweep until all clients
// are gone after drain, or the context is cancelled.
func (h *HeartMonitor) Run(ctx context.Context) error {
	log.Debug("Started (heartbeat)")
	sweep := h.evict / 10
	if sweep < time.Second {
		sweep = time.Second
	}
	ticker := h.clock.Ticker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Done (heartbeat)")
			return nil
		case hb := <-h.queue.Heartbeats:
			h.update(ctx, hb)
		case <-ticker.C:
			h.check(ctx)
		}
		if h.schedulerDone.Load() && len(h.beats) == 0 {
			log.Debug("Done (heartbeat)")
			return nil
		}
	}
}

func (h *HeartMonitor) update(ctx context.Context, hb task.Heartbeat) {
	h.startup = false
	if hb.State == task.ClientFinished {
		log.Debugf("Client disconnected (%s: %s)", hb.ClientHost, hb.ClientID)
		delete(h.beats, hb.ClientID)
		if h.store != nil {
			if err := h.store.DisconnectClient(ctx, hb.ClientID, false); err != nil {
				log.Error("Could not record disconnect: ", err)
			}
		}
		return
	}
	if _, known := h.beats[hb.ClientID]; !known {
		log.Infof("Registered client (%s: %s)", hb.ClientHost, hb.ClientID)
		if h.store != nil {
			if err := h.store.RegisterClient(ctx, hb); err != nil {
				log.Error("Could not record registration: ", err)
			}
		}
	} else {
		log.Debugf("Heartbeat - running (%s: %s)", hb.ClientHost, hb.ClientID)
	}
	h.beats[hb.ClientID] = hb
}

// check evicts every registration whose last heartbeat is older than the
// evict window.
func (h *HeartMonitor) check(ctx context.Context) {
	if len(h.beats) > 0 {
		log.Debugf("Check clients (%d connected)", len(h.beats))
	}
	now := h.clock.Now()
	for id, hb := range h.beats {
		if now.Sub(hb.Time) <= h.evict {
			continue
		}
		log.Warnf("Evicting client (%s: %s)", hb.ClientHost, id)
		delete(h.beats, id)
		h.queue.Evict(id)
		metrics.RecordEviction(ctx)
		if h.store == nil {
			continue
		}
		if err := h.store.DisconnectClient(ctx, id, true); err != nil {
			log.Error("Could not record eviction: ", err)
		}
		reverted, err := h.store.RevertClient(ctx, id)
		if err != nil {
			log.Error("Could not revert tasks for evicted client: ", err)
			continue
		}
		if reverted > 0 {
			metrics.RecordReverted(ctx, reverted)
			log.Infof("Reverted %d task(s) for evicted client (%s)", reverted, id)
		}
	}
}
