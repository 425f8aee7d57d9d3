package store

import "database/sql"

func Init(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS archived (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT NOT NULL,
	device_name TEXT NOT NULL,
	logical_name TEXT NOT NULL,
	archive_path TEXT NOT NULL,

	size INTEGER NOT NULL DEFAULT 0,
	crc32c INTEGER NOT NULL DEFAULT 0,

	captured_at TEXT, -- RFC3339; null when the device had no clock
	archived_at TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP),

	UNIQUE(content_hash, archive_path)
);
`,
		`CREATE INDEX IF NOT EXISTS archived_content_hash ON archived(content_hash);`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
