// Package store is the sqlite catalog of what the archive adaptor has written.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"archiver/internal/hash"

	_ "modernc.org/sqlite"
)

// Entry is one archived copy.
type Entry struct {
	ContentHash hash.Digest
	DeviceName  string
	LogicalName string
	ArchivePath string
	Size        int64
	CRC32C      uint32
	CapturedAt  time.Time
	ArchivedAt  time.Time
}

// Open opens (creating if needed) the catalog and applies the schema.
// A single connection keeps the pragmas in force and serialises writers.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog %s: %w", path, err)
	}
	return db, nil
}

// Record inserts e unless the same content is already catalogued at the same path.
// It reports whether a row was added.
func Record(db *sql.DB, e Entry) (bool, error) {
	var captured any
	if !e.CapturedAt.IsZero() {
		captured = e.CapturedAt.UTC().Format(time.RFC3339)
	}
	res, err := db.Exec(`
INSERT OR IGNORE INTO archived (content_hash, device_name, logical_name, archive_path, size, crc32c, captured_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.ContentHash.String(), e.DeviceName, e.LogicalName, e.ArchivePath, e.Size, int64(e.CRC32C), captured)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Lookup returns every archived copy of the given content, oldest first.
func Lookup(db *sql.DB, d hash.Digest) ([]Entry, error) {
	rows, err := db.Query(`
SELECT content_hash, device_name, logical_name, archive_path, size, crc32c, captured_at, archived_at
FROM archived
WHERE content_hash = ?
ORDER BY id
`, d.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                   Entry
			hexHash, archivedAt string
			crc32c              int64
			captured            sql.NullString
		)
		if err := rows.Scan(&hexHash, &e.DeviceName, &e.LogicalName, &e.ArchivePath, &e.Size, &crc32c, &captured, &archivedAt); err != nil {
			return nil, err
		}
		if e.ContentHash, err = hash.ParseDigest(hexHash); err != nil {
			return nil, fmt.Errorf("catalog row for %s: %w", e.ArchivePath, err)
		}
		e.CRC32C = uint32(crc32c)
		if captured.Valid {
			e.CapturedAt, _ = time.Parse(time.RFC3339, captured.String)
		}
		e.ArchivedAt, _ = time.Parse(time.DateTime, archivedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Forget drops the catalog row for a path, used when the file on disk is gone.
func Forget(db *sql.DB, archivePath string) error {
	_, err := db.Exec(`DELETE FROM archived WHERE archive_path = ?`, archivePath)
	return err
}

func Count(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM archived`).Scan(&n)
	return n, err
}
