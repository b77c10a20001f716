package server_test

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/server"
	"github.com/glentner/hypershell/template"
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

func TestSubmitterInsertsAllLines(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	source := strings.NewReader("echo 1\necho 2\n\necho 3\n")
	submitter := server.NewSubmitter(source, store, nil, nil, nil, 2, time.Second)
	req.NoError(submitter.Run(ctx))
	req.Equal(int64(3), submitter.Submitted())
	req.False(submitter.Active())

	count, err := store.Count(ctx)
	req.NoError(err)
	req.Equal(int64(3), count)
}

func TestSubmitterFinalPartialBundle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	// bundle size far larger than the input: everything arrives in the
	// final partial flush
	source := strings.NewReader("a\nb\nc\n")
	submitter := server.NewSubmitter(source, store, nil, nil, nil, 10000, time.Hour)
	req.NoError(submitter.Run(ctx))

	count, err := store.Count(ctx)
	req.NoError(err)
	req.Equal(int64(3), count)
}

func TestSubmitterBundlewaitFlush(t *testing.T) {
	req := require.New(t)
	store := testStore(t)

	reader, writer := newBlockingSource("slow task\n")
	defer writer.close()

	submitter := server.NewSubmitter(reader, store, nil, nil, nil, 100, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- submitter.Run(ctx) }()

	// the line flushes on bundlewait even though the source stays open
	req.Eventually(func() bool {
		count, err := store.Count(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 20*time.Millisecond)

	writer.close()
	req.NoError(<-done)
}

func TestSubmitterTemplateAndTags(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := testStore(t)

	source := strings.NewReader("input.dat\n")
	submitter := server.NewSubmitter(source, store, nil,
		template.New("process {}"), map[string]string{"batch": "b1"}, 1, time.Second)
	req.NoError(submitter.Run(ctx))

	tasks, err := store.Search(ctx, database.SearchOptions{})
	req.NoError(err)
	req.Len(tasks, 1)
	req.Equal("input.dat", tasks[0].Args)
	req.NotNil(tasks[0].Command)
	req.Equal("process input.dat", *tasks[0].Command)
	req.Equal("b1", tasks[0].Tags["batch"])
}

// blockingSource feeds initial content and then blocks until closed, so
// tests can observe time-based flushing with the input still open.
type blockingSource struct {
	data chan []byte
	rest []byte
}

func newBlockingSource(initial string) (*blockingSource, *sourceControl) {
	data := make(chan []byte, 1)
	data <- []byte(initial)
	ctrl := &sourceControl{data: data}
	return &blockingSource{data: data}, ctrl
}

type sourceControl struct {
	data   chan []byte
	closed bool
}

func (c *sourceControl) close() {
	if !c.closed {
		c.closed = true
		close(c.data)
	}
}

func (s *blockingSource) Read(p []byte) (int, error) {
	if len(s.rest) == 0 {
		chunk, ok := <-s.data
		if !ok {
			return 0, io.EOF
		}
		s.rest = chunk
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}
