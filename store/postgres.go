package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

// DefaultTableName is the table or DynamoDB table records live in
const DefaultTableName = "idempotency_records"

// PgxConn is the subset of *pgxpool.Pool the store uses
type PgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a PostgreSQL implementation of idempotency.Store.
// Create-if-absent relies on the primary key: a failed INSERT falls back to
// an UPDATE that only matches replaceable rows.
type PostgresStore struct {
	db    PgxConn
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// PostgresOption configures a PostgresStore
type PostgresOption func(*PostgresStore)

// WithPostgresTable sets the table name
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if t := strings.TrimSpace(table); t != "" {
			s.table = t
		}
	}
}

// WithPostgresClock replaces time.Now
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		s.now = now
	}
}

// NewPostgresStore connects to dsn and creates the table if needed
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := NewPostgresStoreWithConn(pool, opts...)
	s.pool = pool
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithConn wraps an existing pool or connection
func NewPostgresStoreWithConn(db PgxConn, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:    db,
		table: DefaultTableName,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the pool when the store created it
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the records table
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	result BYTEA,
	expires_at TIMESTAMPTZ NOT NULL,
	in_progress_expires_at TIMESTAMPTZ,
	payload_hash TEXT NOT NULL DEFAULT ''
)`, s.table))
	if err != nil {
		return fmt.Errorf("init idempotency schema: %w", err)
	}
	return nil
}

// Get retrieves a live record
func (s *PostgresStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		status     string
		result     []byte
		expiresAt  time.Time
		inProgress pgtype.Timestamptz
		hash       string
	)
	err := s.db.QueryRow(ctx, fmt.Sprintf(`
SELECT status, result, expires_at, in_progress_expires_at, payload_hash
FROM %s WHERE id = $1`, s.table), key).Scan(&status, &result, &expiresAt, &inProgress, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}

	record := &idempotency.Record{
		Key:         key,
		Status:      idempotency.Status(status),
		Result:      result,
		ExpiresAt:   expiresAt,
		PayloadHash: hash,
	}
	if inProgress.Valid {
		record.InProgressExpiresAt = inProgress.Time
	}
	if record.IsExpired(s.now()) {
		return nil, idempotency.ErrRecordNotFound
	}
	return record, nil
}

// PutInProgress inserts the record, or takes over an expired or abandoned one
func (s *PostgresStore) PutInProgress(ctx context.Context, record *idempotency.Record) error {
	inProgress := pgtype.Timestamptz{Time: record.InProgressExpiresAt, Valid: !record.InProgressExpiresAt.IsZero()}

	_, err := s.db.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, status, expires_at, in_progress_expires_at, payload_hash)
VALUES ($1, $2, $3, $4, $5)`, s.table),
		record.Key, string(idempotency.StatusInProgress), record.ExpiresAt, inProgress, record.PayloadHash)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return fmt.Errorf("idempotency put in progress: %w", err)
	}

	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $2, result = NULL, expires_at = $3, in_progress_expires_at = $4, payload_hash = $5
WHERE id = $1
  AND (expires_at <= $6
       OR (status = $2 AND in_progress_expires_at IS NOT NULL AND in_progress_expires_at <= $6))`, s.table),
		record.Key, string(idempotency.StatusInProgress), record.ExpiresAt, inProgress, record.PayloadHash, s.now())
	if err != nil {
		return fmt.Errorf("idempotency put in progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrRecordAlreadyExists
	}
	return nil
}

// PutComplete stores the result and marks the record completed
func (s *PostgresStore) PutComplete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, status, result, expires_at, in_progress_expires_at)
VALUES ($1, $2, $3, $4, NULL)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status, result = EXCLUDED.result,
    expires_at = EXCLUDED.expires_at, in_progress_expires_at = NULL`, s.table),
		key, string(idempotency.StatusCompleted), result, s.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("idempotency put complete: %w", err)
	}
	return nil
}

// Delete removes the record
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), key); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}
