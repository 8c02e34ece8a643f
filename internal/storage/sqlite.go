package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := CheckJournalPath(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; modernc serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_log (
  id             TEXT PRIMARY KEY,
  grp            TEXT NOT NULL,
  queue          TEXT NOT NULL,
  unit_id        TEXT NOT NULL,
  correlation_id TEXT,
  outcome        TEXT NOT NULL,
  reply_target   TEXT,
  elapsed_ms     INTEGER NOT NULL,
  error          TEXT,
  resolved_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS pool_log (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  grp        TEXT NOT NULL,
  event      TEXT NOT NULL,
  units      INTEGER,
  elapsed_ms INTEGER,
  at         TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS task_log_resolved_at_idx ON task_log(resolved_at);`,
		`CREATE INDEX IF NOT EXISTS task_log_grp_outcome_idx ON task_log(grp, outcome);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
