package db

import "fmt"

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS records (
    tbl         TEXT NOT NULL,
    id          TEXT NOT NULL,
    data        TEXT NOT NULL CHECK (json_valid(data)),
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (tbl, id)
);

CREATE INDEX IF NOT EXISTS idx_records_tbl_created ON records(tbl, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS changes (
    seq               INTEGER PRIMARY KEY AUTOINCREMENT,
    tbl               TEXT NOT NULL,
    type              TEXT NOT NULL CHECK (type IN ('INSERT', 'UPDATE', 'DELETE')),
    record            TEXT CHECK (record IS NULL OR json_valid(record)),
    old_record        TEXT CHECK (old_record IS NULL OR json_valid(old_record)),
    commit_timestamp  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_commit ON changes(commit_timestamp);
`,
}

// SchemaVersion reports how many migrations have been applied.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (db *DB) RunMigrations() error {
	version, err := db.SchemaVersion()
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
