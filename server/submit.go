package server

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/lib/retry"
	"github.com/glentner/hypershell/metrics"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
	"github.com/glentner/hypershell/template"
)

// Submitter reads task args line by line, accumulates them into bundles
// bounded by size or wait time, and either inserts them into the store or
// publishes them straight onto the outbound queue (no-db mode).
type Submitter struct {
	source     io.Reader
	store      *database.Store // nil in live mode
	queue      *queue.Server   // used directly in live mode
	template   *template.Template
	tags       map[string]string
	bundlesize int
	bundlewait time.Duration

	submitted atomic.Int64
	active    atomic.Bool
}

// NewSubmitter prepares a submitter over the given line source. A non-nil
// store selects database mode; otherwise bundles publish to the queue.
// An optional submit-time template expands each line into the command at
// submission rather than at execution.
func NewSubmitter(source io.Reader, store *database.Store, q *queue.Server,
	tmpl *template.Template, tags map[string]string, bundlesize int, bundlewait time.Duration) *Submitter {
	s := &Submitter{
		source:     source,
		store:      store,
		queue:      q,
		template:   tmpl,
		tags:       tags,
		bundlesize: bundlesize,
		bundlewait: bundlewait,
	}
	s.active.Store(true)
	return s
}

// Active reports whether the submitter is still reading input; the
// scheduler will not drain while a live submitter may add tasks.
func (s *Submitter) Active() bool { return s.active.Load() }

// Submitted reports how many tasks have been accepted so far.
func (s *Submitter) Submitted() int64 { return s.submitted.Load() }

// Run reads until EOF, flushing a partial bundle whenever bundlewait
// elapses and always before returning.
func (s *Submitter) Run(ctx context.Context) error {
	defer s.active.Store(false)
	log.Debug("Started (submitter)")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.source)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var bundle task.Bundle
	timer := time.NewTimer(s.bundlewait)
	defer timer.Stop()

	flush := func() error {
		if len(bundle) == 0 {
			return nil
		}
		if err := s.emit(ctx, bundle); err != nil {
			return err
		}
		bundle = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return flush()
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(s.bundlewait)
		case line, ok := <-lines:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				log.Debug("Done (submitter)")
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			t, err := s.build(line)
			if err != nil {
				return err
			}
			bundle = append(bundle, t)
			if len(bundle) >= s.bundlesize {
				if err := flush(); err != nil {
					return err
				}
				timer.Reset(s.bundlewait)
			}
		}
	}
}

func (s *Submitter) build(line string) (*task.Task, error) {
	t := task.New(line)
	for key, value := range s.tags {
		t.Tags[key] = value
	}
	if s.template != nil {
		command, err := s.template.Expand(t.Args)
		if err != nil {
			return nil, err
		}
		t.Command = &command
	}
	return t, nil
}

func (s *Submitter) emit(ctx context.Context, bundle task.Bundle) error {
	if s.store != nil {
		_, err := retry.Retry(ctx, 4, &backoff.Backoff{Min: time.Second, Max: 30 * time.Second},
			[]error{&database.Error{}}, func() (struct{}, error) {
				return struct{}{}, s.store.Insert(ctx, bundle)
			})
		if err != nil {
			return err
		}
	} else {
		select {
		case s.queue.Scheduled <- bundle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.submitted.Add(int64(len(bundle)))
	metrics.RecordSubmitted(ctx, len(bundle))
	log.Debugf("Submitted %d task(s)", len(bundle))
	return nil
}
