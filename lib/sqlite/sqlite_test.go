package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/lib/sqlite"
)

func TestSqlite(t *testing.T) {
	req := require.New(t)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS blip (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			blip_name TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS blip_name_index ON blip (blip_name)`,
	}

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(dbPath)
	req.NoError(err)
	req.NotNil(db)
	defer db.Close()

	err = sqlite.InitDb(context.Background(), "testdb", db, ddl, nil)
	req.NoError(err)

	// fresh database is stamped with version 1
	var version int64
	req.NoError(db.QueryRow("SELECT max(version) FROM _meta").Scan(&version))
	req.Equal(int64(1), version)

	_, err = db.Exec("INSERT INTO blip (blip_name) VALUES ('blip1')")
	req.NoError(err)

	// re-init is idempotent
	req.NoError(sqlite.InitDb(context.Background(), "testdb", db, ddl, nil))
	var count int64
	req.NoError(db.QueryRow("SELECT count(*) FROM blip").Scan(&count))
	req.Equal(int64(1), count)
}

func TestSqliteMigration(t *testing.T) {
	req := require.New(t)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS blip (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			blip_name TEXT NOT NULL
		)`,
	}

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(dbPath)
	req.NoError(err)
	defer db.Close()
	req.NoError(sqlite.InitDb(context.Background(), "testdb", db, ddl, nil))

	migration := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "ALTER TABLE blip ADD COLUMN blip_size INTEGER NOT NULL DEFAULT 0")
		return err
	}
	req.NoError(sqlite.InitDb(context.Background(), "testdb", db, ddl, []sqlite.MigrationFunc{migration}))

	var version int64
	req.NoError(db.QueryRow("SELECT max(version) FROM _meta").Scan(&version))
	req.Equal(int64(2), version)

	_, err = db.Exec("INSERT INTO blip (blip_name, blip_size) VALUES ('b', 3)")
	req.NoError(err)
}
