package cluster_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/cluster"
	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/server"
)

// syncBuffer serializes concurrent writes from executor goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Fields(b.buf.String())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.File = filepath.Join(t.TempDir(), "task.db")
	cfg.Server.Port = 0
	cfg.Server.Wait = config.Duration(50 * time.Millisecond)
	cfg.Submit.Bundlewait = config.Duration(100 * time.Millisecond)
	cfg.Client.Bundlewait = config.Duration(100 * time.Millisecond)
	return cfg
}

func TestClusterEchoFourLive(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)

	var out syncBuffer
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := cluster.RunLocal(ctx, cfg, cluster.Options{
		Server: server.Options{
			Source: strings.NewReader("1\n2\n3\n4\n"),
			Live:   true,
		},
		NumTasks: 2,
		Template: "echo {}",
		Output:   &out,
		Errors:   os.Stderr,
	})
	req.NoError(err)

	lines := out.Lines()
	sort.Strings(lines)
	req.Equal([]string{"1", "2", "3", "4"}, lines)
}

func TestClusterFailureSieve(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)

	var failures bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := cluster.RunLocal(ctx, cfg, cluster.Options{
		Server: server.Options{
			Source:      strings.NewReader("true\nfalse\ntrue\n"),
			FailureSink: &failures,
		},
		NumTasks: 1,
		Template: "{}",
		Output:   os.Stdout,
		Errors:   os.Stderr,
	})
	req.ErrorIs(err, cluster.ErrTasksFailed)
	req.Equal("false\n", failures.String())

	store, serr := database.Open(context.Background(), cfg.Database)
	req.NoError(serr)
	defer store.Close()
	completed, serr := store.Search(context.Background(), database.SearchOptions{
		Completed: true, OrderBy: "submit_time",
	})
	req.NoError(serr)
	req.Len(completed, 3)
	req.Zero(*completed[0].ExitStatus)
	req.NotZero(*completed[1].ExitStatus)
	req.Zero(*completed[2].ExitStatus)
	for _, done := range completed {
		// schedule precedes completion on every row
		req.NotNil(done.ScheduleTime)
		req.False(done.ScheduleTime.After(*done.CompletionTime))
	}
}

func TestClusterRetriesExhausted(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := cluster.RunLocal(ctx, cfg, cluster.Options{
		Server: server.Options{
			Source:     strings.NewReader("false\n"),
			MaxRetries: 2,
		},
		NumTasks: 1,
		Template: "{}",
		Output:   os.Stdout,
		Errors:   os.Stderr,
	})
	req.ErrorIs(err, cluster.ErrTasksFailed)

	store, serr := database.Open(context.Background(), cfg.Database)
	req.NoError(serr)
	defer store.Close()
	rows, serr := store.Search(context.Background(), database.SearchOptions{
		Where: []string{"args=false"}, OrderBy: "attempt",
	})
	req.NoError(serr)
	req.Len(rows, 3)
	for i, row := range rows {
		req.Equal(int64(i+1), row.Attempt)
		req.True(row.Failed())
	}
}

func TestClusterSubmitRunsToCompletion(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)
	cfg.Server.Bundlesize = 3
	cfg.Submit.Bundlesize = 3

	lines := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		lines = append(lines, "true")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := cluster.RunLocal(ctx, cfg, cluster.Options{
		Server: server.Options{
			Source: strings.NewReader(strings.Join(lines, "\n") + "\n"),
		},
		NumTasks: 4,
		Template: "{}",
		Output:   os.Stdout,
		Errors:   os.Stderr,
	})
	req.NoError(err)

	store, serr := database.Open(context.Background(), cfg.Database)
	req.NoError(serr)
	defer store.Close()
	count, serr := store.Count(context.Background())
	req.NoError(serr)
	req.Equal(int64(20), count)
	remaining, serr := store.CountRemaining(context.Background())
	req.NoError(serr)
	req.Zero(remaining)
}
