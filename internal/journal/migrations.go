package journal

import (
	"database/sql"
	"fmt"
)

// Each entry moves the schema up one version. The version is kept in
// SQLite's user_version pragma, so entries must never be reordered.
var migrations = []string{
	// 1: delivery outcomes.
	`CREATE TABLE IF NOT EXISTS deliveries (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id      TEXT,
		project_id   TEXT,
		commit_count INTEGER NOT NULL,
		head_sha     TEXT,
		outcome      TEXT NOT NULL,
		detail       TEXT,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);`,

	// 2: project names for the CLI, and per-outcome counts.
	`ALTER TABLE deliveries ADD COLUMN project_name TEXT;
	CREATE INDEX IF NOT EXISTS idx_deliveries_outcome ON deliveries(outcome, created_at);`,
}

// migrate brings the schema up to len(migrations), one transaction per step.
func migrate(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("journal schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current + 1; v <= len(migrations); v++ {
		if err := step(db, v, migrations[v-1]); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
	}
	return nil
}

func step(db *sql.DB, version int, ddl string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
