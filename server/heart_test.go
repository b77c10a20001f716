package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/server"
	"github.com/glentner/hypershell/task"
)

func TestHeartMonitorEvictsSilentClient(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)
	q := testQueue(t, 1)
	clk := clock.NewMock()

	heart := server.NewHeartMonitor(store, q, 60*time.Second, clk)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- heart.Run(runCtx) }()
	time.Sleep(50 * time.Millisecond) // let Run reach its ticker

	// a client registers, is delivered four tasks, then goes silent
	tasks := []*task.Task{task.New("a"), task.New("b"), task.New("c"), task.New("d")}
	req.NoError(store.Insert(ctx, tasks))
	claimed, err := store.ClaimNext(ctx, 4, false)
	req.NoError(err)
	req.Len(claimed, 4)

	hb := task.Heartbeat{ClientID: "silent-client", ClientHost: "node9", Time: clk.Now(), State: task.ClientRunning}
	q.Heartbeats <- hb
	req.Eventually(func() bool { return heart.Connected() == 1 }, 5*time.Second, 10*time.Millisecond)

	ids := make([]string, len(claimed))
	for i, c := range claimed {
		ids[i] = c.ID
	}
	req.NoError(store.RecordDelivery(ctx, task.Confirmation{
		ClientID: "silent-client", ClientHost: "node9", TaskIDs: ids,
	}))

	// within the evict window nothing happens
	clk.Add(30 * time.Second)
	time.Sleep(100 * time.Millisecond)
	req.Equal(1, heart.Connected())

	// past the window the registration is dropped and the in-flight
	// tasks revert to schedulable
	clk.Add(60 * time.Second)
	req.Eventually(func() bool { return heart.Connected() == 0 }, 5*time.Second, 10*time.Millisecond)

	req.Eventually(func() bool {
		again, err := store.ClaimNext(ctx, 10, false)
		require.NoError(t, err)
		return len(again) == 4
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHeartMonitorCleanDisconnect(t *testing.T) {
	req := require.New(t)
	store := testStore(t)
	q := testQueue(t, 1)
	clk := clock.NewMock()

	heart := server.NewHeartMonitor(store, q, 60*time.Second, clk)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- heart.Run(runCtx) }()
	time.Sleep(50 * time.Millisecond)

	q.Heartbeats <- task.Heartbeat{ClientID: "c1", ClientHost: "n1", Time: clk.Now(), State: task.ClientRunning}
	req.Eventually(func() bool { return heart.Connected() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the finished notice removes the registration; with scheduling
	// over the monitor halts on its own
	heart.SignalSchedulerDone()
	q.Heartbeats <- task.Heartbeat{ClientID: "c1", ClientHost: "n1", Time: clk.Now(), State: task.ClientFinished}

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("heart monitor never halted")
	}
	req.Zero(heart.Connected())
}
