package store

import (
	"context"
	"sync"
	"time"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

// DefaultCleanupInterval is how often MemoryStore drops expired records
const DefaultCleanupInterval = time.Minute

// MemoryStore is an in-memory implementation of idempotency.Store
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*idempotency.Record
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory store. Close stops its cleanup goroutine.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]*idempotency.Record),
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Start cleanup goroutine
	go s.cleanup(DefaultCleanupInterval)

	return s
}

// Get retrieves a live record
func (s *MemoryStore) Get(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.data[key]
	if !exists || record.IsExpired(s.now()) {
		return nil, idempotency.ErrRecordNotFound
	}

	return record.Clone(), nil
}

// PutInProgress creates an in-progress record unless a live one exists
func (s *MemoryStore) PutInProgress(_ context.Context, record *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.data[record.Key]; exists && !existing.Replaceable(s.now()) {
		return idempotency.ErrRecordAlreadyExists
	}

	stored := record.Clone()
	stored.Status = idempotency.StatusInProgress
	stored.Result = nil
	s.data[record.Key] = stored
	return nil
}

// PutComplete stores the result and marks the record completed
func (s *MemoryStore) PutComplete(_ context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.data[key]
	if !exists {
		record = &idempotency.Record{Key: key}
		s.data[key] = record
	}
	record.Status = idempotency.StatusCompleted
	record.Result = append([]byte(nil), result...)
	record.ExpiresAt = s.now().Add(ttl)
	record.InProgressExpiresAt = time.Time{}
	return nil
}

// Delete removes a record
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Len reports how many records, live or expired, are held
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close stops the cleanup goroutine
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// cleanup periodically removes expired entries
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, record := range s.data {
		if record.IsExpired(now) {
			delete(s.data, key)
		}
	}
}
