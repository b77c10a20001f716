package cluster_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/cluster"
	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/task"
)

func testStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(context.Background(), config.Database{
		Provider: "sqlite",
		File:     filepath.Join(t.TempDir(), "task.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var clientSeq atomic.Int32

func registerClients(t *testing.T, store *database.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		hb := task.NewHeartbeat(task.ClientRunning)
		hb.ClientID = hb.ClientID + string(rune('a'+clientSeq.Add(1)))
		require.NoError(t, store.RegisterClient(context.Background(), hb))
	}
}

// completeTasks runs n tasks through claim/complete with the given
// duration so the autoscaler has an average to work from.
func completeTasks(t *testing.T, store *database.Store, n int, duration time.Duration) {
	t.Helper()
	ctx := context.Background()
	tasks := make([]*task.Task, n)
	for i := range tasks {
		tasks[i] = task.New("work")
	}
	require.NoError(t, store.Insert(ctx, tasks))
	claimed, err := store.ClaimNext(ctx, n, false)
	require.NoError(t, err)
	for _, c := range claimed {
		start := time.Now().UTC().Add(-duration)
		c.Finish(0, start, start.Add(duration))
		applied, err := store.Complete(ctx, c)
		require.NoError(t, err)
		require.True(t, applied)
	}
}

func startScaler(t *testing.T, scaler *cluster.Autoscaler) (advance func(time.Duration), stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scaler.Run(ctx) }()
	// let Run reach its ticker before the mock clock moves
	time.Sleep(50 * time.Millisecond)
	return func(d time.Duration) {
			scaler.Clock().(*clock.Mock).Add(d)
			time.Sleep(50 * time.Millisecond)
		}, func() {
			cancel()
			require.NoError(t, <-done)
		}
}

func TestAutoscalerFixedMaintainsSize(t *testing.T) {
	req := require.New(t)
	store := testStore(t)

	var launches atomic.Int64
	scaler := cluster.NewAutoscaler(store, clock.NewMock())
	scaler.Policy = "fixed"
	scaler.Period = 5 * time.Second
	scaler.Init = 2
	scaler.Min = 0
	scaler.Max = 4
	scaler.ExecutorsPerClient = 1
	scaler.Launch = func(context.Context) error { launches.Add(1); return nil }

	advance, stop := startScaler(t, scaler)
	defer stop()
	req.Equal(int64(2), launches.Load()) // initial fleet

	// one client registered, target is max(init, min) = 2
	registerClients(t, store, 1)
	advance(5 * time.Second)
	req.Equal(int64(3), launches.Load())

	// at target: no further launches
	registerClients(t, store, 1)
	advance(5 * time.Second)
	advance(5 * time.Second)
	req.Equal(int64(3), launches.Load())
}

func TestAutoscalerDynamicPressure(t *testing.T) {
	req := require.New(t)
	store := testStore(t)

	var launches atomic.Int64
	scaler := cluster.NewAutoscaler(store, clock.NewMock())
	scaler.Policy = "dynamic"
	scaler.Factor = 1
	scaler.Period = 5 * time.Second
	scaler.Init = 0
	scaler.Min = 0
	scaler.Max = 4
	scaler.ExecutorsPerClient = 1
	scaler.Launch = func(context.Context) error { launches.Add(1); return nil }

	registerClients(t, store, 1)
	completeTasks(t, store, 4, 10*time.Second)

	// 20 remaining tasks at 10s each on one executor: toc = 200s,
	// pressure = 200 / (1 * 10) = 20 > 1
	backlog := make([]*task.Task, 20)
	for i := range backlog {
		backlog[i] = task.New("pending")
	}
	req.NoError(store.Insert(context.Background(), backlog))

	advance, stop := startScaler(t, scaler)
	defer stop()
	advance(5 * time.Second)
	req.Equal(int64(1), launches.Load())
	advance(5 * time.Second)
	req.Equal(int64(2), launches.Load())
}

func TestAutoscalerRespectsMax(t *testing.T) {
	req := require.New(t)
	store := testStore(t)

	var launches atomic.Int64
	scaler := cluster.NewAutoscaler(store, clock.NewMock())
	scaler.Policy = "dynamic"
	scaler.Factor = 1
	scaler.Period = 5 * time.Second
	scaler.Max = 1
	scaler.ExecutorsPerClient = 1
	scaler.Launch = func(context.Context) error { launches.Add(1); return nil }

	registerClients(t, store, 1)
	completeTasks(t, store, 2, 10*time.Second)
	// 5 remaining at 10s each on one executor: pressure = 50/10 = 5,
	// well above threshold, but the fleet is already at max
	backlog := make([]*task.Task, 5)
	for i := range backlog {
		backlog[i] = task.New("pending")
	}
	req.NoError(store.Insert(context.Background(), backlog))

	advance, stop := startScaler(t, scaler)
	defer stop()
	advance(5 * time.Second)
	advance(5 * time.Second)
	req.Zero(launches.Load(), "must never exceed max")
}

func TestAutoscalerScaleToZeroWhenIdle(t *testing.T) {
	req := require.New(t)
	store := testStore(t)

	var launches atomic.Int64
	scaler := cluster.NewAutoscaler(store, clock.NewMock())
	scaler.Policy = "dynamic"
	scaler.Factor = 1
	scaler.Period = 5 * time.Second
	scaler.Min = 0
	scaler.Max = 4
	scaler.ExecutorsPerClient = 1
	scaler.Launch = func(context.Context) error { launches.Add(1); return nil }

	// nothing remaining: with min = 0 the fleet is allowed to drain
	// away entirely and no launches happen
	advance, stop := startScaler(t, scaler)
	defer stop()
	advance(5 * time.Second)
	advance(5 * time.Second)
	req.Zero(launches.Load())
}

func TestAutoscalerLauncherFailureSkipsCycle(t *testing.T) {
	req := require.New(t)
	store := testStore(t)

	var attempts atomic.Int64
	scaler := cluster.NewAutoscaler(store, clock.NewMock())
	scaler.Policy = "fixed"
	scaler.Period = 5 * time.Second
	scaler.Init = 0
	scaler.Min = 1
	scaler.Max = 4
	scaler.ExecutorsPerClient = 1
	scaler.Launch = func(context.Context) error {
		attempts.Add(1)
		return context.DeadlineExceeded
	}

	advance, stop := startScaler(t, scaler)
	defer stop()
	advance(5 * time.Second)
	req.Equal(int64(1), attempts.Load())
	// the failure does not stop the loop; the next cycle tries again
	advance(5 * time.Second)
	req.Equal(int64(2), attempts.Load())
}
