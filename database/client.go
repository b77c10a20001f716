package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/glentner/hypershell/build"
	"github.com/glentner/hypershell/task"
)

// RegisterClient records a client registration from its first heartbeat.
// Re-registration of a known id refreshes the connection time.
func (s *Store) RegisterClient(ctx context.Context, hb task.Heartbeat) error {
	query := s.bind(`INSERT INTO client (id, host, server_id, server_host, connected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			connected_at = excluded.connected_at,
			disconnected_at = NULL,
			evicted = FALSE`)
	_, err := s.db.ExecContext(ctx, query, hb.ClientID, hb.ClientHost, build.Instance, build.Hostname, hb.Time)
	return wrap(err, "register client %s", hb.ClientID)
}

// DisconnectClient closes a registration, marking whether the close was an
// eviction or a clean disconnect.
func (s *Store) DisconnectClient(ctx context.Context, clientID string, evicted bool) error {
	now := time.Now().UTC()
	query := s.bind(`UPDATE client SET disconnected_at = ?, evicted = ? WHERE id = ? AND disconnected_at IS NULL`)
	_, err := s.db.ExecContext(ctx, query, now, evicted, clientID)
	return wrap(err, "disconnect client %s", clientID)
}

// CountConnected reports registrations for this server without a
// disconnect time.
func (s *Store) CountConnected(ctx context.Context) (int64, error) {
	var count int64
	query := s.bind(`SELECT count(*) FROM client WHERE server_id = ? AND disconnected_at IS NULL`)
	if err := s.db.QueryRowContext(ctx, query, build.Instance).Scan(&count); err != nil {
		return 0, wrap(err, "count connected clients")
	}
	return count, nil
}

// AvgDuration reports the mean run time in seconds over the most recent
// window of completed tasks, or false when nothing has completed yet.
func (s *Store) AvgDuration(ctx context.Context, window int) (float64, bool, error) {
	if window < 1 {
		window = 100
	}
	query := s.bind(`SELECT avg(duration) FROM (
		SELECT duration FROM task
		WHERE duration IS NOT NULL
		ORDER BY completion_time DESC LIMIT ?
	) recent`)
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, window).Scan(&avg); err != nil {
		return 0, false, wrap(err, "average task duration")
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}
