package database

const DefaultDbFilename = "task.db"

var taskDdls = []string{
	`CREATE TABLE IF NOT EXISTS task (
		id TEXT PRIMARY KEY,
		args TEXT NOT NULL,
		submit_id TEXT NOT NULL,
		submit_host TEXT NOT NULL,
		submit_time TIMESTAMP NOT NULL,
		server_id TEXT,
		server_host TEXT,
		schedule_time TIMESTAMP,
		client_id TEXT,
		client_host TEXT,
		command TEXT,
		start_time TIMESTAMP,
		completion_time TIMESTAMP,
		exit_status INTEGER,
		outpath TEXT,
		errpath TEXT,
		attempt INTEGER NOT NULL,
		retried BOOLEAN NOT NULL DEFAULT FALSE,
		previous_id TEXT,
		waited INTEGER,
		duration INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS task_tag (
		task_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, key),
		FOREIGN KEY (task_id) REFERENCES task (id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS client (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		server_id TEXT NOT NULL,
		server_host TEXT NOT NULL,
		connected_at TIMESTAMP NOT NULL,
		disconnected_at TIMESTAMP,
		evicted BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	// task_delivery attributes in-flight tasks to the client that
	// confirmed receipt of the bundle, so eviction can revert exactly
	// that client's work before any completion comes back.
	`CREATE TABLE IF NOT EXISTS task_delivery (
		task_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		delivered_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, client_id)
	)`,

	`CREATE INDEX IF NOT EXISTS task_submit_time_index ON task (submit_time)`,

	`CREATE INDEX IF NOT EXISTS task_exit_status_index ON task (exit_status)`,

	`CREATE INDEX IF NOT EXISTS task_schedule_exit_index ON task (schedule_time, exit_status)`,

	`CREATE INDEX IF NOT EXISTS task_tag_key_index ON task_tag (key, value)`,

	`CREATE INDEX IF NOT EXISTS client_disconnected_index ON client (disconnected_at)`,

	`CREATE INDEX IF NOT EXISTS task_delivery_client_index ON task_delivery (client_id)`,
}

const (
	stmtClaimUpdate = `UPDATE task
		SET schedule_time = ?, server_id = ?, server_host = ?
		WHERE id = ? AND schedule_time IS NULL`

	stmtComplete = `UPDATE task
		SET client_id = ?, client_host = ?, command = ?,
		    start_time = ?, completion_time = ?, exit_status = ?,
		    outpath = ?, errpath = ?, waited = ?, duration = ?
		WHERE id = ? AND exit_status IS NULL`

	stmtRevertInterrupted = `UPDATE task
		SET schedule_time = NULL, server_id = NULL, server_host = NULL,
		    client_id = NULL, client_host = NULL
		WHERE schedule_time IS NOT NULL AND exit_status IS NULL`

	stmtRevertClient = `UPDATE task
		SET schedule_time = NULL, server_id = NULL, server_host = NULL,
		    client_id = NULL, client_host = NULL
		WHERE exit_status IS NULL AND schedule_time IS NOT NULL AND id IN
		    (SELECT task_id FROM task_delivery WHERE client_id = ?)`

	stmtCancel = `UPDATE task
		SET schedule_time = ?, exit_status = ?
		WHERE id = ? AND exit_status IS NULL`

	stmtMarkRetried = `UPDATE task SET retried = TRUE WHERE id = ?`
)
