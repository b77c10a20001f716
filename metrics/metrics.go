package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Measures
var (
	TasksSubmitted  = stats.Int64("hypershell/tasks_submitted", "Tasks accepted by the submitter", stats.UnitDimensionless)
	TasksScheduled  = stats.Int64("hypershell/tasks_scheduled", "Tasks claimed and enqueued", stats.UnitDimensionless)
	TasksCompleted  = stats.Int64("hypershell/tasks_completed", "Tasks with a recorded completion", stats.UnitDimensionless)
	TasksFailed     = stats.Int64("hypershell/tasks_failed", "Completed tasks with non-zero status", stats.UnitDimensionless)
	TasksReverted   = stats.Int64("hypershell/tasks_reverted", "Tasks returned to the schedulable state", stats.UnitDimensionless)
	BundlesOut      = stats.Int64("hypershell/bundles_out", "Bundles delivered to clients", stats.UnitDimensionless)
	BundlesIn       = stats.Int64("hypershell/bundles_in", "Bundles returned by clients", stats.UnitDimensionless)
	ClientsEvicted  = stats.Int64("hypershell/clients_evicted", "Client registrations evicted", stats.UnitDimensionless)
	LauncherInvoked = stats.Int64("hypershell/launcher_invoked", "Autoscaler launcher invocations", stats.UnitDimensionless)
)

// Views
var (
	TasksSubmittedView = &view.View{
		Measure:     TasksSubmitted,
		Aggregation: view.Count(),
	}
	TasksScheduledView = &view.View{
		Measure:     TasksScheduled,
		Aggregation: view.Count(),
	}
	TasksCompletedView = &view.View{
		Measure:     TasksCompleted,
		Aggregation: view.Count(),
	}
	TasksFailedView = &view.View{
		Measure:     TasksFailed,
		Aggregation: view.Count(),
	}
	TasksRevertedView = &view.View{
		Measure:     TasksReverted,
		Aggregation: view.Count(),
	}
	BundlesOutView = &view.View{
		Measure:     BundlesOut,
		Aggregation: view.Count(),
	}
	BundlesInView = &view.View{
		Measure:     BundlesIn,
		Aggregation: view.Count(),
	}
	ClientsEvictedView = &view.View{
		Measure:     ClientsEvicted,
		Aggregation: view.Count(),
	}
	LauncherInvokedView = &view.View{
		Measure:     LauncherInvoked,
		Aggregation: view.Count(),
	}
)

var DefaultViews = []*view.View{
	TasksSubmittedView,
	TasksScheduledView,
	TasksCompletedView,
	TasksFailedView,
	TasksRevertedView,
	BundlesOutView,
	BundlesInView,
	ClientsEvictedView,
	LauncherInvokedView,
}

// Register installs the default views; safe to call once at startup.
func Register() error {
	return view.Register(DefaultViews...)
}

func RecordBundleOut(ctx context.Context, tasks int) {
	stats.Record(ctx, BundlesOut.M(1), TasksScheduled.M(int64(tasks)))
}

func RecordBundleIn(ctx context.Context, tasks int) {
	stats.Record(ctx, BundlesIn.M(1))
}

func RecordSubmitted(ctx context.Context, tasks int) {
	stats.Record(ctx, TasksSubmitted.M(int64(tasks)))
}

func RecordCompleted(ctx context.Context, failed bool) {
	if failed {
		stats.Record(ctx, TasksCompleted.M(1), TasksFailed.M(1))
		return
	}
	stats.Record(ctx, TasksCompleted.M(1))
}

func RecordReverted(ctx context.Context, tasks int64) {
	stats.Record(ctx, TasksReverted.M(tasks))
}

func RecordEviction(ctx context.Context) {
	stats.Record(ctx, ClientsEvicted.M(1))
}

func RecordLaunch(ctx context.Context) {
	stats.Record(ctx, LauncherInvoked.M(1))
}
