package client_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/client"
	"github.com/glentner/hypershell/task"
	"github.com/glentner/hypershell/template"
)

func runOne(t *testing.T, cfg client.ExecutorConfig, args string) *task.Task {
	t.Helper()
	if cfg.Cwd == "" {
		cfg.Cwd = t.TempDir()
	}
	if cfg.LibDir == "" {
		cfg.LibDir = t.TempDir()
	}
	if cfg.Template == nil {
		cfg.Template = template.New("{}")
	}
	if cfg.Signalwait == 0 {
		cfg.Signalwait = 100 * time.Millisecond
	}

	inbound := make(chan *task.Task, 1)
	outbound := make(chan *task.Task, 1)
	executor := client.NewExecutor(1, inbound, outbound, cfg)

	inbound <- task.New(args)
	close(inbound)
	done := make(chan error, 1)
	go func() { done <- executor.Run(context.Background()) }()

	select {
	case finished := <-outbound:
		require.NoError(t, <-done)
		return finished
	case <-time.After(30 * time.Second):
		t.Fatal("executor never finished")
		return nil
	}
}

func TestExecutorSuccess(t *testing.T) {
	req := require.New(t)
	var out bytes.Buffer
	finished := runOne(t, client.ExecutorConfig{Output: &out, Template: template.New("echo {}")}, "hello")

	req.NotNil(finished.ExitStatus)
	req.Zero(*finished.ExitStatus)
	req.Equal("echo hello", *finished.Command)
	req.Equal("hello\n", out.String())
	req.NotNil(finished.StartTime)
	req.NotNil(finished.CompletionTime)
	req.NotNil(finished.Duration)
	req.NotNil(finished.ClientID)
}

func TestExecutorNonZeroExit(t *testing.T) {
	req := require.New(t)
	finished := runOne(t, client.ExecutorConfig{}, "exit 3")
	req.NotNil(finished.ExitStatus)
	req.Equal(int64(3), *finished.ExitStatus)
	req.True(finished.Failed())
}

func TestExecutorTemplateError(t *testing.T) {
	req := require.New(t)
	finished := runOne(t, client.ExecutorConfig{Template: template.New("{!!}")}, "x")
	req.NotNil(finished.ExitStatus)
	req.Equal(int64(task.StatusTemplateError), *finished.ExitStatus)
	req.Nil(finished.Command)
}

func TestExecutorTimeoutEscalation(t *testing.T) {
	req := require.New(t)
	finished := runOne(t, client.ExecutorConfig{
		Timeout:    200 * time.Millisecond,
		Signalwait: 200 * time.Millisecond,
	}, "sleep 30")
	req.NotNil(finished.ExitStatus)
	req.Equal(int64(130), *finished.ExitStatus) // INT lands first
}

func TestExecutorTimeoutStubbornProcess(t *testing.T) {
	req := require.New(t)
	// traps INT and TERM; only KILL gets it
	finished := runOne(t, client.ExecutorConfig{
		Timeout:    200 * time.Millisecond,
		Signalwait: 300 * time.Millisecond,
	}, `trap "" INT TERM; sleep 30`)
	req.NotNil(finished.ExitStatus)
	req.Equal(int64(137), *finished.ExitStatus)
}

func TestExecutorCapture(t *testing.T) {
	req := require.New(t)
	libDir := t.TempDir()
	finished := runOne(t, client.ExecutorConfig{
		Capture: true,
		LibDir:  libDir,
	}, "echo captured; echo oops >&2")

	req.NotNil(finished.Outpath)
	req.Equal(filepath.Join(libDir, "task", finished.ID+".out"), *finished.Outpath)
	out, err := os.ReadFile(*finished.Outpath)
	req.NoError(err)
	req.Equal("captured\n", string(out))

	req.NotNil(finished.Errpath)
	errOut, err := os.ReadFile(*finished.Errpath)
	req.NoError(err)
	req.Equal("oops\n", string(errOut))
}

func TestExecutorTaskEnvironment(t *testing.T) {
	req := require.New(t)
	var out bytes.Buffer
	t.Setenv("HYPERSHELL_EXPORT_DATASET", "train")
	finished := runOne(t, client.ExecutorConfig{
		Output:   &out,
		Template: template.New(`echo "$TASK_ID $TASK_ARGS $TASK_ATTEMPT $DATASET"`),
	}, "payload")

	req.Zero(*finished.ExitStatus)
	fields := strings.Fields(out.String())
	req.Len(fields, 4)
	req.Equal(finished.ID, fields[0])
	req.Equal("payload", fields[1])
	req.Equal("1", fields[2])
	req.Equal("train", fields[3])
}
