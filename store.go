package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an idempotency record
type Status string

const (
	StatusInProgress Status = "INPROGRESS"
	StatusCompleted  Status = "COMPLETED"
	// StatusExpired is derived from ExpiresAt and never written to a store
	StatusExpired Status = "EXPIRED"
)

//go:generate mockgen -source=store.go -destination=internal/mocks/mock_store.go -package=mocks

// Store defines the persistence layer the wrapper coordinates through
type Store interface {
	// Get retrieves the live record for key, or ErrRecordNotFound.
	// Expired records are reported as not found.
	Get(ctx context.Context, key string) (*Record, error)

	// PutInProgress atomically creates an in-progress record. It succeeds when
	// no record exists, the existing record is expired, or the existing record
	// is in progress past its InProgressExpiresAt; otherwise it returns
	// ErrRecordAlreadyExists.
	PutInProgress(ctx context.Context, record *Record) error

	// PutComplete stores the result for key and marks it completed for ttl
	PutComplete(ctx context.Context, key string, result []byte, ttl time.Duration) error

	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Record represents a stored idempotency record
type Record struct {
	Key                 string          `json:"key"`
	Status              Status          `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	ExpiresAt           time.Time       `json:"expires_at"`
	InProgressExpiresAt time.Time       `json:"in_progress_expires_at,omitempty"`
	PayloadHash         string          `json:"payload_hash,omitempty"`
}

// StatusAt reports the record status as seen at now
func (r *Record) StatusAt(now time.Time) Status {
	if r.IsExpired(now) {
		return StatusExpired
	}
	return r.Status
}

// IsExpired reports whether the record's TTL has passed
func (r *Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Replaceable reports whether PutInProgress may overwrite the record at now
func (r *Record) Replaceable(now time.Time) bool {
	if r.IsExpired(now) {
		return true
	}
	return r.Status == StatusInProgress &&
		!r.InProgressExpiresAt.IsZero() &&
		!now.Before(r.InProgressExpiresAt)
}

// Clone returns a deep copy so stores never hand out shared buffers
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &out
}
