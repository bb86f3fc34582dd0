package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AuditStore persists one row per state-changing operation so operators can
// reconstruct who invoked what, when, and with which outcome.
type AuditStore struct {
	db *sql.DB
}

// AuditEntry is a single recorded operation.
type AuditEntry struct {
	RequestID string
	EscrowID  string
	Operation string
	Caller    string
	Status    int
	Detail    string
	Timestamp time.Time
}

func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &AuditStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AuditStore) init() error {
	schema := `CREATE TABLE IF NOT EXISTS operations (
        request_id TEXT PRIMARY KEY,
        escrow_id TEXT NOT NULL,
        operation TEXT NOT NULL,
        caller TEXT NOT NULL,
        status INTEGER NOT NULL,
        detail TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_operations_escrow ON operations(escrow_id, created_at);`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts an audit row, allocating a request id when none is set.
func (s *AuditStore) Record(ctx context.Context, entry AuditEntry) error {
	if entry.RequestID == "" {
		entry.RequestID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (request_id, escrow_id, operation, caller, status, detail, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.EscrowID, entry.Operation, entry.Caller, entry.Status, entry.Detail, entry.Timestamp)
	return err
}

// History returns the most recent operations for an escrow, newest first.
func (s *AuditStore) History(ctx context.Context, escrowID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, escrow_id, operation, caller, status, detail, created_at
         FROM operations WHERE escrow_id = ? ORDER BY created_at DESC LIMIT ?`,
		escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.RequestID, &entry.EscrowID, &entry.Operation, &entry.Caller, &entry.Status, &entry.Detail, &entry.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
