package client

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/build"
	"github.com/glentner/hypershell/task"
	"github.com/glentner/hypershell/template"
)

// Executor runs tasks one at a time from the inbound channel: expand the
// template, populate the task environment, spawn the shell process, and
// watch it against the walltime limit with signal escalation.
type Executor struct {
	id         int
	inbound    <-chan *task.Task
	outbound   chan<- *task.Task
	template   *template.Template
	output     io.Writer
	errors     io.Writer
	capture    bool
	cwd        string
	libDir     string
	timeout    time.Duration // zero waits indefinitely
	signalwait time.Duration
}

type ExecutorConfig struct {
	Template   *template.Template
	Output     io.Writer
	Errors     io.Writer
	Capture    bool
	Cwd        string
	LibDir     string
	Timeout    time.Duration
	Signalwait time.Duration
}

func NewExecutor(id int, inbound <-chan *task.Task, outbound chan<- *task.Task, cfg ExecutorConfig) *Executor {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	errors := cfg.Errors
	if errors == nil {
		errors = os.Stderr
	}
	return &Executor{
		id:         id,
		inbound:    inbound,
		outbound:   outbound,
		template:   cfg.Template,
		output:     output,
		errors:     errors,
		capture:    cfg.Capture,
		cwd:        cfg.Cwd,
		libDir:     cfg.LibDir,
		timeout:    cfg.Timeout,
		signalwait: cfg.Signalwait,
	}
}

// Run consumes tasks until the inbound channel closes. The stop context
// forces escalated shutdown of the running process (SIGUSR1 handling);
// it does not abandon finished results.
func (e *Executor) Run(stop context.Context) error {
	log.Debugf("Started (executor-%d)", e.id)
	for t := range e.inbound {
		e.execute(stop, t)
		e.outbound <- t
	}
	log.Debugf("Done (executor-%d)", e.id)
	return nil
}

func (e *Executor) execute(stop context.Context, t *task.Task) {
	clientID, clientHost := build.Instance, build.Hostname
	t.ClientID = &clientID
	t.ClientHost = &clientHost

	if t.Command == nil {
		command, err := e.template.Expand(t.Args)
		if err != nil {
			log.Errorf("%s (task %s)", err, t.ID)
			now := time.Now().UTC()
			t.Finish(task.StatusTemplateError, now, now)
			return
		}
		t.Command = &command
	}

	start := time.Now().UTC()
	t.StartTime = &start
	status := e.spawn(stop, t)
	t.Finish(status, start, time.Now().UTC())
	log.Debugf("Completed task (%s)", t.ID)
}

func (e *Executor) spawn(stop context.Context, t *task.Task) int64 {
	output, errors := e.output, e.errors
	if e.capture {
		dir := filepath.Join(e.libDir, "task")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("Could not create capture directory: ", err)
			return task.StatusTemplateError
		}
		outpath := filepath.Join(dir, t.ID+".out")
		errpath := filepath.Join(dir, t.ID+".err")
		outfile, err := os.Create(outpath)
		if err != nil {
			log.Error("Could not capture task output: ", err)
			return task.StatusTemplateError
		}
		defer outfile.Close()
		errfile, err := os.Create(errpath)
		if err != nil {
			log.Error("Could not capture task errors: ", err)
			return task.StatusTemplateError
		}
		defer errfile.Close()
		t.Outpath = &outpath
		t.Errpath = &errpath
		output, errors = outfile, errfile
	}

	cmd := exec.Command("/bin/sh", "-c", *t.Command)
	cmd.Dir = e.cwd
	cmd.Env = task.Env(t, e.cwd, e.libDir)
	cmd.Stdout = output
	cmd.Stderr = errors
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		log.Errorf("Could not start task (%s): %s", t.ID, err)
		return 127
	}
	log.Infof("Running task (%s)", t.ID)
	log.Debugf("Running task (%s)[%d]: %s", t.ID, cmd.Process.Pid, *t.Command)
	return e.await(stop, t, cmd)
}

// await watches the process against the walltime limit. On timeout or
// forced stop it escalates INT, TERM, KILL at signalwait intervals; a
// process that survives KILL is abandoned and the task marked failed.
func (e *Executor) await(stop context.Context, t *task.Task, cmd *exec.Cmd) int64 {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return exitStatus(err)
	case <-timeout:
		log.Warnf("Task exceeded walltime limit (%s)", t.ID)
	case <-stop.Done():
		log.Warnf("Signal interrupt (executor-%d)", e.id)
	}

	signals := []struct {
		sig    syscall.Signal
		status int64
	}{
		{syscall.SIGINT, 130},
		{syscall.SIGTERM, 143},
		{syscall.SIGKILL, 137},
	}
	for _, esc := range signals {
		log.Debugf("Sending %s (%s: %d)", esc.sig, t.ID, cmd.Process.Pid)
		_ = syscall.Kill(-cmd.Process.Pid, esc.sig)
		select {
		case err := <-done:
			if status := exitStatus(err); status != 0 {
				return status
			}
			return esc.status
		case <-time.After(e.signalwait):
			log.Errorf("%s ignored (%s)", esc.sig, t.ID)
		}
	}
	log.Errorf("Process ignored SIGKILL (%s: %d)", t.ID, cmd.Process.Pid)
	log.Errorf("Abandoning task (executor-%d)", e.id)
	return 137
}

func exitStatus(err error) int64 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if xerrors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return int64(128 + int(status.Signal()))
		}
		return int64(exitErr.ExitCode())
	}
	return 1
}
