// Package store implements notepush's durable EventStore and
// DeviceRegistry over a single-writer embedded sqlite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/damus-io/notepush/internal/notifyerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	pubkey TEXT NOT NULL,
	kind INTEGER NOT NULL,
	received_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	event_id TEXT NOT NULL,
	recipient_pubkey TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	PRIMARY KEY (event_id, recipient_pubkey)
);

CREATE TABLE IF NOT EXISTS devices (
	pubkey TEXT NOT NULL,
	token BLOB NOT NULL,
	added_at INTEGER NOT NULL,
	PRIMARY KEY (pubkey, token)
);

CREATE INDEX IF NOT EXISTS idx_devices_pubkey ON devices(pubkey);
`

// Store is the sqlite-backed EventStore and DeviceRegistry.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", notifyerr.ErrStorageFailure, path, err)
	}

	// A single writer is required by the embedded store's design. One
	// connection keeps that invariant simple without relying on sqlite's own
	// locking mode; it also serializes reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", notifyerr.ErrStorageFailure, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordResult distinguishes a fresh insert from one that hit a uniqueness
// constraint.
type RecordResult int

const (
	// Ok means the row was newly inserted.
	Ok RecordResult = iota
	// Duplicate means a row for this key already existed.
	Duplicate
)

// RecordReceived inserts an (event_id, pubkey, kind, received_at) row.
// Returns Duplicate if the event was already recorded.
func (s *Store) RecordReceived(ctx context.Context, eventID, pubkey string, kind int, receivedAt time.Time) (RecordResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, pubkey, kind, received_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		eventID, pubkey, kind, receivedAt.Unix())
	if err != nil {
		return Ok, fmt.Errorf("%w: record_received: %v", notifyerr.ErrStorageFailure, err)
	}
	return resultFrom(res)
}

// RecordSent inserts an (event_id, recipient_pubkey, sent_at) row. Returns
// Duplicate if this (event, recipient) pair was already recorded.
func (s *Store) RecordSent(ctx context.Context, eventID, recipientPubkey string, sentAt time.Time) (RecordResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (event_id, recipient_pubkey, sent_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_id, recipient_pubkey) DO NOTHING`,
		eventID, recipientPubkey, sentAt.Unix())
	if err != nil {
		return Ok, fmt.Errorf("%w: record_sent: %v", notifyerr.ErrStorageFailure, err)
	}
	return resultFrom(res)
}

// WasSent reports whether a notification record already exists for
// (eventID, recipientPubkey).
func (s *Store) WasSent(ctx context.Context, eventID, recipientPubkey string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notifications WHERE event_id = ? AND recipient_pubkey = ? LIMIT 1`,
		eventID, recipientPubkey).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: was_sent: %v", notifyerr.ErrStorageFailure, err)
	}
	return true, nil
}

// DevicesFor returns all registered device tokens for pubkey.
func (s *Store) DevicesFor(ctx context.Context, pubkey string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM devices WHERE pubkey = ?`, pubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: devices_for: %v", notifyerr.ErrStorageFailure, err)
	}
	defer rows.Close()

	var tokens [][]byte
	for rows.Next() {
		var token []byte
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("%w: devices_for scan: %v", notifyerr.ErrStorageFailure, err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: devices_for rows: %v", notifyerr.ErrStorageFailure, err)
	}
	return tokens, nil
}

// Register adds a device token for pubkey. Returns Duplicate if the pair
// was already registered.
func (s *Store) Register(ctx context.Context, pubkey string, token []byte, addedAt time.Time) (RecordResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (pubkey, token, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(pubkey, token) DO NOTHING`,
		pubkey, token, addedAt.Unix())
	if err != nil {
		return Ok, fmt.Errorf("%w: register: %v", notifyerr.ErrStorageFailure, err)
	}
	return resultFrom(res)
}

// Deregister removes a device token for pubkey, if present.
func (s *Store) Deregister(ctx context.Context, pubkey string, token []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE pubkey = ? AND token = ?`, pubkey, token); err != nil {
		return fmt.Errorf("%w: deregister: %v", notifyerr.ErrStorageFailure, err)
	}
	return nil
}

func resultFrom(res sql.Result) (RecordResult, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return Ok, fmt.Errorf("%w: rows_affected: %v", notifyerr.ErrStorageFailure, err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Ok, nil
}
