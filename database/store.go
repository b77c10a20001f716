package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	logging "github.com/ipfs/go-log/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/build"
	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/lib/sqlite"
	"github.com/glentner/hypershell/task"
)

var log = logging.Logger("database")

// Error marks a database failure as recoverable; callers retry these with
// bounded backoff and only surface them as CRITICAL when persistent.
type Error struct {
	msg   string
	cause error
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.cause }

func wrap(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{msg: fmt.Sprintf(format, args...) + ": " + cause.Error(), cause: cause}
}

const taskColumns = `id, args, submit_id, submit_host, submit_time,
	server_id, server_host, schedule_time,
	client_id, client_host, command, start_time, completion_time, exit_status,
	outpath, errpath, attempt, retried, previous_id, waited, duration`

// Store provides typed CRUD over the task database. One Store is owned by
// the server process; claim and complete are serializable (Postgres via
// row locks with SKIP LOCKED, SQLite via the single-writer transaction).
type Store struct {
	db       *sql.DB
	provider string
}

// Open connects to the configured backend. Embedded (sqlite) databases
// are initialized automatically; server backends require explicit initdb.
func Open(ctx context.Context, cfg config.Database) (*Store, error) {
	switch cfg.Provider {
	case "sqlite":
		db, err := sqlite.Open(cfg.File)
		if err != nil {
			return nil, wrap(err, "open sqlite database")
		}
		if err := sqlite.InitDb(ctx, "task database", db, taskDdls, nil); err != nil {
			_ = db.Close()
			return nil, wrap(err, "initialize sqlite database")
		}
		return &Store{db: db, provider: cfg.Provider}, nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Schema)
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, wrap(err, "open postgres database")
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, wrap(err, "connect to postgres database")
		}
		return &Store{db: db, provider: cfg.Provider}, nil
	default:
		return nil, xerrors.Errorf("unsupported database provider %q", cfg.Provider)
	}
}

// Init applies the schema. SQLite databases are already initialized at
// Open; for server backends this backs the explicit initdb command.
func (s *Store) Init(ctx context.Context) error {
	for _, ddl := range taskDdls {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return wrap(err, "apply schema")
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// bind rewrites ?-placeholders for the active provider.
func (s *Store) bind(query string) string {
	if s.provider != "postgres" {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&out, "$%d", n)
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	var tx *sql.Tx
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return
}

// Insert adds a batch of tasks and their tags atomically.
func (s *Store) Insert(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	insertTask := s.bind(`INSERT INTO task (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	insertTag := s.bind(`INSERT INTO task_tag (task_id, key, value) VALUES (?, ?, ?)`)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			_, err := tx.ExecContext(ctx, insertTask,
				t.ID, t.Args, t.SubmitID, t.SubmitHost, t.SubmitTime,
				t.ServerID, t.ServerHost, t.ScheduleTime,
				t.ClientID, t.ClientHost, t.Command, t.StartTime, t.CompletionTime, t.ExitStatus,
				t.Outpath, t.Errpath, t.Attempt, t.Retried, t.PreviousID, t.Waited, t.Duration)
			if err != nil {
				return err
			}
			for key, value := range t.Tags {
				if _, err := tx.ExecContext(ctx, insertTag, t.ID, key, value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return wrap(err, "insert %d task(s)", len(tasks))
	}
	for _, t := range tasks {
		log.Debugf("Added task (%s)", t.ID)
	}
	return nil
}

// ClaimNext atomically claims up to limit schedulable tasks for this
// server. Eager mode prefers retry rows over novel work; otherwise
// ordering is strictly by submit_time. Rows claimed concurrently by
// another scheduler are skipped, never returned twice.
func (s *Store) ClaimNext(ctx context.Context, limit int, eager bool) ([]*task.Task, error) {
	if limit < 1 {
		return nil, nil
	}
	order := "submit_time"
	if eager {
		order = "(previous_id IS NOT NULL) DESC, submit_time"
	}
	selectIds := fmt.Sprintf(`SELECT id FROM task WHERE schedule_time IS NULL ORDER BY %s LIMIT ?`, order)
	if s.provider == "postgres" {
		selectIds += " FOR UPDATE SKIP LOCKED"
	}
	now := time.Now().UTC()
	var claimed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ids []string
		if err := sqlscan.Select(ctx, tx, &ids, s.bind(selectIds), limit); err != nil {
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, s.bind(stmtClaimUpdate), now, build.Instance, build.Hostname, id)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 1 {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err, "claim next %d task(s)", limit)
	}
	return s.byIds(ctx, claimed)
}

// RetryCandidates selects failed tasks eligible for another attempt:
// attempt below the limit and no retry row already created.
func (s *Store) RetryCandidates(ctx context.Context, attempts int, limit int) ([]*task.Task, error) {
	if attempts < 2 || limit < 1 {
		return nil, nil
	}
	var ids []string
	query := s.bind(`SELECT id FROM task
		WHERE exit_status IS NOT NULL AND exit_status != 0
		  AND attempt < ? AND retried = FALSE
		ORDER BY completion_time LIMIT ?`)
	if err := sqlscan.Select(ctx, s.db, &ids, query, attempts, limit); err != nil {
		return nil, wrap(err, "select retry candidates")
	}
	return s.byIds(ctx, ids)
}

// InsertRetries creates successor attempts for the given failed tasks and
// marks the predecessors retried, atomically.
func (s *Store) InsertRetries(ctx context.Context, failed []*task.Task) ([]*task.Task, error) {
	if len(failed) == 0 {
		return nil, nil
	}
	retries := make([]*task.Task, 0, len(failed))
	for _, prev := range failed {
		retries = append(retries, task.NewRetry(prev))
	}
	insertTask := s.bind(`INSERT INTO task (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	insertTag := s.bind(`INSERT INTO task_tag (task_id, key, value) VALUES (?, ?, ?)`)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, t := range retries {
			_, err := tx.ExecContext(ctx, insertTask,
				t.ID, t.Args, t.SubmitID, t.SubmitHost, t.SubmitTime,
				t.ServerID, t.ServerHost, t.ScheduleTime,
				t.ClientID, t.ClientHost, t.Command, t.StartTime, t.CompletionTime, t.ExitStatus,
				t.Outpath, t.Errpath, t.Attempt, t.Retried, t.PreviousID, t.Waited, t.Duration)
			if err != nil {
				return err
			}
			for key, value := range t.Tags {
				if _, err := tx.ExecContext(ctx, insertTag, t.ID, key, value); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, s.bind(stmtMarkRetried), failed[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err, "insert %d retry task(s)", len(retries))
	}
	for i, t := range retries {
		log.Infof("Retrying task (%s <- %s, attempt %d)", t.ID, failed[i].ID, t.Attempt)
	}
	return retries, nil
}

// Complete records a task outcome. The first write wins: replaying the
// same outcome is a no-op and reports applied=false; a conflicting second
// write is also refused and logged here as an anomaly.
func (s *Store) Complete(ctx context.Context, t *task.Task) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(stmtComplete),
		t.ClientID, t.ClientHost, t.Command,
		t.StartTime, t.CompletionTime, t.ExitStatus,
		t.Outpath, t.Errpath, t.Waited, t.Duration, t.ID)
	if err != nil {
		return false, wrap(err, "complete task %s", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(err, "complete task %s", t.ID)
	}
	if n == 1 {
		return true, nil
	}
	existing, err := s.Get(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if existing.ExitStatus != nil && t.ExitStatus != nil && *existing.ExitStatus != *t.ExitStatus {
		log.Warnf("Conflicting completion for task (%s): kept %d, dropped %d",
			t.ID, *existing.ExitStatus, *t.ExitStatus)
	}
	return false, nil
}

// RecordDelivery attributes a confirmed bundle to its client so eviction
// can revert exactly that client's in-flight work.
func (s *Store) RecordDelivery(ctx context.Context, conf task.Confirmation) error {
	now := time.Now().UTC()
	insert := s.bind(`INSERT INTO task_delivery (task_id, client_id, delivered_at) VALUES (?, ?, ?)`)
	update := s.bind(`UPDATE task SET client_id = ?, client_host = ? WHERE id = ? AND exit_status IS NULL`)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range conf.TaskIDs {
			if _, err := tx.ExecContext(ctx, insert, id, conf.ClientID, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, update, conf.ClientID, conf.ClientHost, id); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(err, "record delivery of %d task(s)", len(conf.TaskIDs))
}

// RevertInterrupted returns every scheduled-but-incomplete task to the
// schedulable state. Used on server restart.
func (s *Store) RevertInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(stmtRevertInterrupted))
	if err != nil {
		return 0, wrap(err, "revert interrupted tasks")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevertClient returns the in-flight, non-complete tasks delivered to the
// given client to the schedulable state. Used on eviction.
func (s *Store) RevertClient(ctx context.Context, clientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(stmtRevertClient), clientID)
	if err != nil {
		return 0, wrap(err, "revert tasks for client %s", clientID)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cancel marks a task so the scheduler never claims it.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.bind(stmtCancel), now, task.StatusCancelled, id)
	if err != nil {
		return wrap(err, "cancel task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.Errorf("task %s is already complete or does not exist", id)
	}
	return nil
}

// Delete permanently removes a task row and its tags.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM task_tag WHERE task_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM task_delivery WHERE task_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.bind(`DELETE FROM task WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if xerrors.Is(err, sql.ErrNoRows) {
		return xerrors.Errorf("no task with id %s", id)
	}
	return wrap(err, "delete task %s", id)
}

// Get looks a task up by id, tags attached.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	tasks, err := s.byIds(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, xerrors.Errorf("no task with id %s", id)
	}
	return tasks[0], nil
}

func (s *Store) byIds(ctx context.Context, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var tasks []*task.Task
	query := s.bind(`SELECT ` + taskColumns + ` FROM task WHERE id IN (` + placeholders + `)`)
	if err := sqlscan.Select(ctx, s.db, &tasks, query, args...); err != nil {
		return nil, wrap(err, "select %d task(s)", len(ids))
	}
	// restore request order; IN () does not preserve it
	index := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		index[t.ID] = t
	}
	ordered := make([]*task.Task, 0, len(tasks))
	for _, id := range ids {
		if t, ok := index[id]; ok {
			ordered = append(ordered, t)
		}
	}
	if err := s.attachTags(ctx, ordered); err != nil {
		return nil, err
	}
	return ordered, nil
}

func (s *Store) attachTags(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tasks)), ", ")
	args := make([]interface{}, len(tasks))
	index := make(map[string]*task.Task, len(tasks))
	for i, t := range tasks {
		args[i] = t.ID
		t.Tags = map[string]string{}
		index[t.ID] = t
	}
	var rows []struct {
		TaskID string `db:"task_id"`
		Key    string `db:"key"`
		Value  string `db:"value"`
	}
	query := s.bind(`SELECT task_id, key, value FROM task_tag WHERE task_id IN (` + placeholders + `)`)
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return wrap(err, "select tags")
	}
	for _, row := range rows {
		index[row.TaskID].Tags[row.Key] = row.Value
	}
	return nil
}

func (s *Store) countWhere(ctx context.Context, where string) (int64, error) {
	var count int64
	query := `SELECT count(*) FROM task`
	if where != "" {
		query += " WHERE " + where
	}
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, wrap(err, "count tasks")
	}
	return count, nil
}

// Count reports total tasks in the database.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, "")
}

// CountRemaining reports tasks without a recorded completion.
func (s *Store) CountRemaining(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, "exit_status IS NULL")
}

// CountInterrupted reports tasks scheduled but never completed.
func (s *Store) CountInterrupted(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, "schedule_time IS NOT NULL AND exit_status IS NULL")
}

// CountTerminalFailed reports failed tasks with no successor attempt.
func (s *Store) CountTerminalFailed(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, "exit_status IS NOT NULL AND exit_status != 0 AND retried = FALSE")
}
