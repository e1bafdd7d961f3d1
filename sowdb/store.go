// Package sowdb persists state-of-the-world records in a SQLite database.
// The hub queries it during replay for records that have been archived off
// the live filesystem; the Archiver is the writer side of that protocol.
package sowdb

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/MS-tegart/treadmill/pubsub"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed historical store. It satisfies pubsub.Querier.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sowdb: open: %w", err)
	}

	// WAL mode keeps replay queries from blocking the archiver.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sowdb: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sowdb: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Query returns all records whose path matches the glob and whose timestamp
// is at or after since, ascending by (timestamp, path).
func (s *Store) Query(glob string, since int64) ([]pubsub.Record, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, path, data FROM sow
		  WHERE path GLOB ? AND timestamp >= ?
		  ORDER BY timestamp, path`,
		glob, since,
	)
	if err != nil {
		return nil, fmt.Errorf("sowdb: query: %w", err)
	}
	defer rows.Close()

	var records []pubsub.Record
	for rows.Next() {
		var (
			rec  pubsub.Record
			data sql.NullString
		)
		if err := rows.Scan(&rec.When, &rec.Path, &data); err != nil {
			return nil, fmt.Errorf("sowdb: scan: %w", err)
		}
		if data.Valid {
			rec.Content = []byte(data.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sowdb: rows: %w", err)
	}
	return records, nil
}

// Append stores records in a single transaction.
func (s *Store) Append(records ...pubsub.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sowdb: begin: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO sow (path, timestamp, data) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sowdb: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(rec.Path, rec.When, string(rec.Content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sowdb: insert %s: %w", rec.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sowdb: commit: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Compile-time interface check.
var _ pubsub.Querier = (*Store)(nil)
