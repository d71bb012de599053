package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	result BLOB,
	expires_at INTEGER NOT NULL,
	in_progress_expires_at INTEGER NOT NULL DEFAULT 0,
	payload_hash TEXT NOT NULL DEFAULT ''
)`

// SQLiteStore is a SQLite implementation of idempotency.Store, for single
// host deployments and local development. Times are stored as unix millis.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteStore
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock replaces time.Now
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// OpenSQLite creates or opens a database at path and applies the schema
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get retrieves a live record
func (s *SQLiteStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		status              string
		result              []byte
		expires, inProgress int64
		hash                string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT status, result, expires_at, in_progress_expires_at, payload_hash
FROM idempotency_records WHERE id = ?`, key).Scan(&status, &result, &expires, &inProgress, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}

	record := &idempotency.Record{
		Key:         key,
		Status:      idempotency.Status(status),
		Result:      result,
		ExpiresAt:   time.UnixMilli(expires),
		PayloadHash: hash,
	}
	if inProgress > 0 {
		record.InProgressExpiresAt = time.UnixMilli(inProgress)
	}
	if record.IsExpired(s.now()) {
		return nil, idempotency.ErrRecordNotFound
	}
	return record, nil
}

// PutInProgress upserts the record only when the existing row is replaceable
func (s *SQLiteStore) PutInProgress(ctx context.Context, record *idempotency.Record) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (id, status, result, expires_at, in_progress_expires_at, payload_hash)
VALUES (?, 'INPROGRESS', NULL, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = 'INPROGRESS',
	result = NULL,
	expires_at = excluded.expires_at,
	in_progress_expires_at = excluded.in_progress_expires_at,
	payload_hash = excluded.payload_hash
WHERE idempotency_records.expires_at <= ?
   OR (idempotency_records.status = 'INPROGRESS'
       AND idempotency_records.in_progress_expires_at > 0
       AND idempotency_records.in_progress_expires_at <= ?)`,
		record.Key, unixMilli(record.ExpiresAt), unixMilli(record.InProgressExpiresAt), record.PayloadHash, now, now)
	if err != nil {
		return fmt.Errorf("idempotency put in progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency put in progress: %w", err)
	}
	if n == 0 {
		return idempotency.ErrRecordAlreadyExists
	}
	return nil
}

// PutComplete stores the result and marks the record completed
func (s *SQLiteStore) PutComplete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (id, status, result, expires_at, in_progress_expires_at)
VALUES (?, 'COMPLETED', ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	result = excluded.result,
	expires_at = excluded.expires_at,
	in_progress_expires_at = 0`,
		key, result, s.now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("idempotency put complete: %w", err)
	}
	return nil
}

// Delete removes the record
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE id = ?`, key); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}

// Purge deletes every expired record and reports how many went
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("idempotency purge: %w", err)
	}
	return res.RowsAffected()
}
