package cluster

import (
	"context"
	"time"

	"github.com/raulk/clock"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/metrics"
)

// Autoscaler grows the client fleet against task pressure. It only ever
// launches; attrition happens through the client idle timeout or the
// external scheduler. Bounds: at least min clients while running, never
// more than max, and init launched up front.
type Autoscaler struct {
	store *database.Store

	// Policy is "fixed" (maintain max(init, min)) or "dynamic"
	// (launch on task pressure).
	Policy string
	Factor float64
	Period time.Duration
	Init   int
	Min    int
	Max    int
	// ExecutorsPerClient feeds the throughput estimate.
	ExecutorsPerClient int

	// Launch starts exactly one new client through the external
	// launcher.
	Launch func(ctx context.Context) error

	clock clock.Clock
}

// NewAutoscaler wires the control loop; a nil clock uses real time.
func NewAutoscaler(store *database.Store, clk clock.Clock) *Autoscaler {
	if clk == nil {
		clk = clock.New()
	}
	return &Autoscaler{store: store, clock: clk}
}

// Clock exposes the autoscaler's clock, for tests driving a mock.
func (a *Autoscaler) Clock() clock.Clock { return a.clock }

// Run launches the initial fleet and then evaluates every period until
// cancelled. A launcher failure logs and skips that cycle.
func (a *Autoscaler) Run(ctx context.Context) error {
	log.Debugf("Started (autoscale: %s policy)", a.Policy)
	for i := 0; i < a.Init; i++ {
		a.launch(ctx)
	}
	ticker := a.clock.Ticker(a.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Done (autoscale)")
			return nil
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

func (a *Autoscaler) evaluate(ctx context.Context) {
	active64, err := a.store.CountConnected(ctx)
	if err != nil {
		log.Error("Could not count clients: ", err)
		return
	}
	active := int(active64)
	if active < a.Min {
		log.Infof("Below minimum size (%d < %d)", active, a.Min)
		a.launch(ctx)
		return
	}
	switch a.Policy {
	case "fixed":
		target := a.Init
		if a.Min > target {
			target = a.Min
		}
		if active < target {
			log.Infof("Below fixed size (%d < %d)", active, target)
			a.launch(ctx)
		}
	case "dynamic":
		pressure, ok := a.pressure(ctx, active)
		if !ok {
			return
		}
		log.Debugf("Task pressure (%.2f)", pressure)
		if pressure > 1 && active < a.Max {
			log.Infof("Scaling up (pressure %.2f, %d active)", pressure, active)
			a.launch(ctx)
		}
	}
}

// pressure is toc / (factor * avg_duration) where toc estimates time to
// completion from the remaining task count and fleet throughput.
func (a *Autoscaler) pressure(ctx context.Context, active int) (float64, bool) {
	if active == 0 {
		// no fleet: any remaining work is infinite pressure, so a
		// client is launched whenever max allows one
		remaining, err := a.store.CountRemaining(ctx)
		if err != nil {
			log.Error("Could not count remaining tasks: ", err)
			return 0, false
		}
		if remaining > 0 && a.Max > 0 {
			return 2, true // anything > 1 triggers a launch
		}
		return 0, false
	}
	avg, ok, err := a.store.AvgDuration(ctx, 100)
	if err != nil {
		log.Error("Could not compute average duration: ", err)
		return 0, false
	}
	if !ok || avg <= 0 {
		return 0, false
	}
	remaining, err := a.store.CountRemaining(ctx)
	if err != nil {
		log.Error("Could not count remaining tasks: ", err)
		return 0, false
	}
	throughput := float64(active*a.ExecutorsPerClient) / avg
	toc := float64(remaining) / throughput
	return toc / (a.Factor * avg), true
}

func (a *Autoscaler) launch(ctx context.Context) {
	if a.Launch == nil {
		return
	}
	if err := a.Launch(ctx); err != nil {
		log.Error("Launcher failed, skipping cycle: ", err)
		return
	}
	metrics.RecordLaunch(ctx)
}
