package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA journal_mode = WAL",
	"PRAGMA wal_autocheckpoint = 256",
	"PRAGMA journal_size_limit = 0",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

const metaDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// MigrationFunc is a function that migrates a database to the next version.
// Migrations run inside a transaction along with the version bump.
type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

// Open opens (or creates) the single-file database at path. The connection
// pool is restricted to one writer; SQLite serializes writes anyway and a
// second concurrent writer only ever produces SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Errorf("create database directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?mode=rwc&_txlock=immediate&_loc=UTC")
	if err != nil {
		return nil, xerrors.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// InitDb applies the schema and any pending migrations for the named
// database. The _meta table records the current version; a fresh database
// is stamped with version 1+len(migrations).
func InitDb(ctx context.Context, name string, db *sql.DB, ddls []string, migrations []MigrationFunc) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("%s: begin init transaction: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, metaDdl); err != nil {
		return xerrors.Errorf("%s: create _meta table: %w", name, err)
	}
	for _, ddl := range ddls {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return xerrors.Errorf("%s: exec ddl %q: %w", name, trimDdl(ddl), err)
		}
	}

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT max(version) FROM _meta").Scan(&version); err != nil {
		return xerrors.Errorf("%s: read schema version: %w", name, err)
	}

	target := int64(1 + len(migrations))
	if !version.Valid {
		if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", target); err != nil {
			return xerrors.Errorf("%s: stamp schema version: %w", name, err)
		}
	} else {
		for next := version.Int64 + 1; next <= target; next++ {
			if err := migrations[next-2](ctx, tx); err != nil {
				return xerrors.Errorf("%s: migrate to version %d: %w", name, next, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", next); err != nil {
				return xerrors.Errorf("%s: stamp schema version %d: %w", name, next, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("%s: commit init transaction: %w", name, err)
	}
	return nil
}

func trimDdl(ddl string) string {
	ddl = strings.Join(strings.Fields(ddl), " ")
	if len(ddl) > 40 {
		ddl = ddl[:40] + "..."
	}
	return ddl
}
