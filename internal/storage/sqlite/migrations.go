package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id             TEXT PRIMARY KEY,
    environment_id TEXT NOT NULL DEFAULT '',
    started_at     TEXT NOT NULL,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    success        INTEGER NOT NULL CHECK(success IN (0, 1)),
    error_type     TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT '',
    input_files    INTEGER NOT NULL DEFAULT 0,
    output_files   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_error_type ON executions(error_type);
`

func runMigrations(db *sql.DB) error {
	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty, so run the initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
