package database_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func submit(t *testing.T, store *database.Store, args ...string) []*task.Task {
	t.Helper()
	tasks := make([]*task.Task, len(args))
	for i, a := range args {
		tasks[i] = task.New(a)
	}
	require.NoError(t, store.Insert(context.Background(), tasks))
	return tasks
}

func complete(t *testing.T, store *database.Store, claimed *task.Task, status int64) {
	t.Helper()
	claimed.Finish(status, time.Now().UTC(), time.Now().UTC())
	applied, err := store.Complete(context.Background(), claimed)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestInsertAndCounts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submit(t, store, "echo 1", "echo 2", "echo 3")
	count, err := store.Count(ctx)
	req.NoError(err)
	req.Equal(int64(3), count)

	remaining, err := store.CountRemaining(ctx)
	req.NoError(err)
	req.Equal(int64(3), remaining)

	interrupted, err := store.CountInterrupted(ctx)
	req.NoError(err)
	req.Zero(interrupted)
}

func TestClaimNextOrdering(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)
	submitted := submit(t, store, "first", "second", "third")

	claimed, err := store.ClaimNext(ctx, 2, false)
	req.NoError(err)
	req.Len(claimed, 2)
	req.Equal("first", claimed[0].Args)
	req.Equal("second", claimed[1].Args)
	for _, c := range claimed {
		req.NotNil(c.ScheduleTime)
		req.NotNil(c.ServerID)
	}

	// claimed rows are never returned twice
	rest, err := store.ClaimNext(ctx, 10, false)
	req.NoError(err)
	req.Len(rest, 1)
	req.Equal("third", rest[0].Args)
	req.Equal(submitted[2].ID, rest[0].ID)

	empty, err := store.ClaimNext(ctx, 10, false)
	req.NoError(err)
	req.Empty(empty)
}

func TestClaimNextEagerPrefersRetries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submit(t, store, "will-fail")
	claimed, err := store.ClaimNext(ctx, 1, false)
	req.NoError(err)
	complete(t, store, claimed[0], 1)

	candidates, err := store.RetryCandidates(ctx, 2, 10)
	req.NoError(err)
	req.Len(candidates, 1)
	retries, err := store.InsertRetries(ctx, candidates)
	req.NoError(err)
	req.Len(retries, 1)

	submit(t, store, "novel")
	eager, err := store.ClaimNext(ctx, 2, true)
	req.NoError(err)
	req.Len(eager, 2)
	req.Equal("will-fail", eager[0].Args)
	req.NotNil(eager[0].PreviousID)
	req.Equal("novel", eager[1].Args)
}

func TestConcurrentClaimNoDuplicates(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	args := make([]string, 40)
	for i := range args {
		args[i] = "task"
	}
	submit(t, store, args...)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimNext(ctx, 5, false)
				require.NoError(t, err)
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	req.Len(seen, 40)
	for id, n := range seen {
		req.Equal(1, n, "task %s claimed %d times", id, n)
	}
}

func TestCompleteIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submit(t, store, "echo done")
	claimed, err := store.ClaimNext(ctx, 1, false)
	req.NoError(err)
	complete(t, store, claimed[0], 0)

	// identical replay is a no-op
	applied, err := store.Complete(ctx, claimed[0])
	req.NoError(err)
	req.False(applied)

	// a conflicting second write is refused: first write wins
	conflict := *claimed[0]
	status := int64(9)
	conflict.ExitStatus = &status
	applied, err = store.Complete(ctx, &conflict)
	req.NoError(err)
	req.False(applied)

	stored, err := store.Get(ctx, claimed[0].ID)
	req.NoError(err)
	req.NotNil(stored.ExitStatus)
	req.Zero(*stored.ExitStatus)
}

func TestRevertInterrupted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submit(t, store, "a", "b", "c")
	claimed, err := store.ClaimNext(ctx, 3, false)
	req.NoError(err)
	complete(t, store, claimed[0], 0)

	reverted, err := store.RevertInterrupted(ctx)
	req.NoError(err)
	req.Equal(int64(2), reverted)

	// reverted rows are claimable again; the completed one is not
	again, err := store.ClaimNext(ctx, 10, false)
	req.NoError(err)
	req.Len(again, 2)
}

func TestRevertClient(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submit(t, store, "w", "x", "y", "z")
	claimed, err := store.ClaimNext(ctx, 4, false)
	req.NoError(err)

	conf := task.Confirmation{ClientID: "client-1", ClientHost: "node1",
		TaskIDs: []string{claimed[0].ID, claimed[1].ID, claimed[2].ID, claimed[3].ID}}
	req.NoError(store.RecordDelivery(ctx, conf))
	complete(t, store, claimed[3], 0)

	reverted, err := store.RevertClient(ctx, "client-1")
	req.NoError(err)
	req.Equal(int64(3), reverted)

	remaining, err := store.ClaimNext(ctx, 10, false)
	req.NoError(err)
	req.Len(remaining, 3)
}

func TestRetryLinkage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	original := task.New("false")
	original.Tags["experiment"] = "e1"
	req.NoError(store.Insert(ctx, []*task.Task{original}))
	claimed, err := store.ClaimNext(ctx, 1, false)
	req.NoError(err)
	complete(t, store, claimed[0], 1)

	candidates, err := store.RetryCandidates(ctx, 3, 10)
	req.NoError(err)
	req.Len(candidates, 1)
	retries, err := store.InsertRetries(ctx, candidates)
	req.NoError(err)
	req.Len(retries, 1)

	retry, err := store.Get(ctx, retries[0].ID)
	req.NoError(err)
	req.Equal(int64(2), retry.Attempt)
	req.NotNil(retry.PreviousID)
	req.Equal(original.ID, *retry.PreviousID)
	req.Equal("e1", retry.Tags["experiment"])

	// predecessor is marked and not offered again
	prev, err := store.Get(ctx, original.ID)
	req.NoError(err)
	req.True(prev.Retried)
	none, err := store.RetryCandidates(ctx, 3, 10)
	req.NoError(err)
	req.Empty(none)
}

func TestCancel(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submitted := submit(t, store, "never-runs")
	req.NoError(store.Cancel(ctx, submitted[0].ID))

	claimed, err := store.ClaimNext(ctx, 10, false)
	req.NoError(err)
	req.Empty(claimed)

	cancelled, err := store.Get(ctx, submitted[0].ID)
	req.NoError(err)
	req.NotNil(cancelled.ExitStatus)
	req.Equal(int64(task.StatusCancelled), *cancelled.ExitStatus)
}

func TestSearchAndUpdate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	batch := task.New("tagged")
	batch.Tags["group"] = "alpha"
	req.NoError(store.Insert(ctx, []*task.Task{batch, task.New("plain")}))

	byTag, err := store.Search(ctx, database.SearchOptions{Tags: map[string]string{"group": "alpha"}})
	req.NoError(err)
	req.Len(byTag, 1)
	req.Equal("tagged", byTag[0].Args)

	remaining, err := store.Search(ctx, database.SearchOptions{Remaining: true})
	req.NoError(err)
	req.Len(remaining, 2)

	req.NoError(store.Update(ctx, batch.ID, map[string]interface{}{"args": "renamed"},
		map[string]string{"group": "beta"}, nil))
	updated, err := store.Get(ctx, batch.ID)
	req.NoError(err)
	req.Equal("renamed", updated.Args)
	req.Equal("beta", updated.Tags["group"])

	req.Error(store.Update(ctx, batch.ID, map[string]interface{}{"exit_status": 0}, nil, nil))
}

func TestDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	submitted := submit(t, store, "gone")
	req.NoError(store.Delete(ctx, submitted[0].ID))
	_, err := store.Get(ctx, submitted[0].ID)
	req.Error(err)
	req.Error(store.Delete(ctx, submitted[0].ID))
}

func TestClientRegistrations(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	hb := task.NewHeartbeat(task.ClientRunning)
	req.NoError(store.RegisterClient(ctx, hb))
	connected, err := store.CountConnected(ctx)
	req.NoError(err)
	req.Equal(int64(1), connected)

	req.NoError(store.DisconnectClient(ctx, hb.ClientID, true))
	connected, err = store.CountConnected(ctx)
	req.NoError(err)
	req.Zero(connected)
}

func TestAvgDuration(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	_, ok, err := store.AvgDuration(ctx, 10)
	req.NoError(err)
	req.False(ok)

	submit(t, store, "one", "two")
	claimed, err := store.ClaimNext(ctx, 2, false)
	req.NoError(err)
	for i, c := range claimed {
		start := time.Now().UTC().Add(-time.Duration(10*(i+1)) * time.Second)
		c.Finish(0, start, start.Add(time.Duration(4*(i+1))*time.Second))
		applied, err := store.Complete(ctx, c)
		req.NoError(err)
		req.True(applied)
	}

	avg, ok, err := store.AvgDuration(ctx, 10)
	req.NoError(err)
	req.True(ok)
	req.InDelta(6.0, avg, 0.01) // durations 4 and 8
}
