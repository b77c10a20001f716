package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/sqlscan"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/task"
)

// updatable whitelists the columns an operator may set via task update.
var updatable = map[string]bool{
	"args":    true,
	"command": true,
	"outpath": true,
	"errpath": true,
}

// SearchOptions narrows a task query. Where entries are FIELD=VALUE or
// one of the state shorthands handled by the CLI; Tags match the task_tag
// side table.
type SearchOptions struct {
	Where     []string
	Tags      map[string]string
	Remaining bool
	Completed bool
	Failed    bool
	Succeeded bool
	OrderBy   string
	Desc      bool
	Limit     int
}

var searchable = map[string]bool{
	"id": true, "args": true, "submit_id": true, "submit_host": true,
	"server_id": true, "server_host": true, "client_id": true, "client_host": true,
	"command": true, "exit_status": true, "attempt": true, "retried": true,
	"previous_id": true,
}

var orderable = map[string]bool{
	"submit_time": true, "schedule_time": true, "start_time": true,
	"completion_time": true, "exit_status": true, "attempt": true, "args": true,
}

// Search queries tasks with the given filters, tags attached.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]*task.Task, error) {
	var clauses []string
	var args []interface{}
	for _, where := range opts.Where {
		field, value, ok := strings.Cut(where, "=")
		field = strings.TrimSpace(field)
		if !ok || !searchable[field] {
			return nil, xerrors.Errorf("cannot filter on %q", where)
		}
		clauses = append(clauses, field+" = ?")
		args = append(args, strings.TrimSpace(value))
	}
	for key, value := range opts.Tags {
		clause := `id IN (SELECT task_id FROM task_tag WHERE key = ?`
		args = append(args, key)
		if value != "" {
			clause += ` AND value = ?`
			args = append(args, value)
		}
		clauses = append(clauses, clause+`)`)
	}
	switch {
	case opts.Remaining:
		clauses = append(clauses, "exit_status IS NULL")
	case opts.Completed:
		clauses = append(clauses, "exit_status IS NOT NULL")
	case opts.Failed:
		clauses = append(clauses, "exit_status IS NOT NULL AND exit_status != 0")
	case opts.Succeeded:
		clauses = append(clauses, "exit_status = 0")
	}

	query := `SELECT ` + taskColumns + ` FROM task`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "submit_time"
	}
	if !orderable[orderBy] {
		return nil, xerrors.Errorf("cannot order by %q", orderBy)
	}
	query += " ORDER BY " + orderBy
	if opts.Desc {
		query += " DESC"
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	var tasks []*task.Task
	if err := sqlscan.Select(ctx, s.db, &tasks, s.bind(query), args...); err != nil {
		return nil, wrap(err, "search tasks")
	}
	if err := s.attachTags(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Update sets whitelisted fields and/or tags on a single task.
func (s *Store) Update(ctx context.Context, id string, fields map[string]interface{}, tags map[string]string, removeTags []string) error {
	for field := range fields {
		if !updatable[field] {
			return xerrors.Errorf("cannot update field %q", field)
		}
	}
	upsert := `INSERT INTO task_tag (task_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (task_id, key) DO UPDATE SET value = excluded.value`
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(fields) > 0 {
			var sets []string
			var args []interface{}
			for field, value := range fields {
				sets = append(sets, field+" = ?")
				args = append(args, value)
			}
			args = append(args, id)
			query := `UPDATE task SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
			res, err := tx.ExecContext(ctx, s.bind(query), args...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return xerrors.Errorf("no task with id %s", id)
			}
		}
		for key, value := range tags {
			if _, err := tx.ExecContext(ctx, s.bind(upsert), id, key, value); err != nil {
				return err
			}
		}
		for _, key := range removeTags {
			if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM task_tag WHERE task_id = ? AND key = ?`), id, key); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(err, "update task %s", id)
}
