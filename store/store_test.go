package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, now func() time.Time) idempotency.Store

func inProgress(key string, now time.Time) *idempotency.Record {
	return &idempotency.Record{
		Key:                 key,
		Status:              idempotency.StatusInProgress,
		ExpiresAt:           now.Add(time.Hour),
		InProgressExpiresAt: now.Add(30 * time.Second),
		PayloadHash:         "abc123",
	}
}

// runStoreSuite checks the behaviour every Store implementation shares
func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t, time.Now)
		_, err := s.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
	})

	t.Run("PutInProgressAndGet", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		want := inProgress("k1", clock.Now())
		require.NoError(t, s.PutInProgress(ctx, want))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "k1", got.Key)
		assert.Equal(t, idempotency.StatusInProgress, got.Status)
		assert.Empty(t, got.Result)
		assert.Equal(t, "abc123", got.PayloadHash)
		assert.True(t, want.InProgressExpiresAt.Equal(got.InProgressExpiresAt))
		assert.Equal(t, want.ExpiresAt.Unix(), got.ExpiresAt.Unix())
	})

	t.Run("DuplicatePutInProgress", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		require.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
		assert.ErrorIs(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())), idempotency.ErrRecordAlreadyExists)
	})

	t.Run("PutCompleteAndGet", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		require.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
		require.NoError(t, s.PutComplete(ctx, "k1", []byte(`{"status":"ok"}`), 10*time.Minute))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"status":"ok"}`, string(got.Result))
		assert.Equal(t, "abc123", got.PayloadHash)
		assert.True(t, got.InProgressExpiresAt.IsZero())
		assert.Equal(t, clock.Now().Add(10*time.Minute).Unix(), got.ExpiresAt.Unix())

		assert.ErrorIs(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())), idempotency.ErrRecordAlreadyExists)
	})

	t.Run("DeleteAllowsRecreate", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		require.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
		require.NoError(t, s.Delete(ctx, "k1"))

		_, err := s.Get(ctx, "k1")
		assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
		assert.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
		assert.NoError(t, s.Delete(ctx, "missing"))
	})

	t.Run("ExpiredRecordIsReplaced", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		require.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
		require.NoError(t, s.PutComplete(ctx, "k1", []byte(`1`), time.Minute))

		clock.Advance(61 * time.Second)
		_, err := s.Get(ctx, "k1")
		assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)

		require.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusInProgress, got.Status)
		assert.Empty(t, got.Result)
	})

	t.Run("AbandonedInProgressIsReplaced", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		require.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))

		clock.Advance(29 * time.Second)
		assert.ErrorIs(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())), idempotency.ErrRecordAlreadyExists)

		clock.Advance(2 * time.Second)
		assert.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
	})

	t.Run("InProgressWithoutDeadlineLastsUntilTTL", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		record := inProgress("k1", clock.Now())
		record.InProgressExpiresAt = time.Time{}
		require.NoError(t, s.PutInProgress(ctx, record))

		clock.Advance(30 * time.Minute)
		assert.ErrorIs(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())), idempotency.ErrRecordAlreadyExists)

		clock.Advance(31 * time.Minute)
		assert.NoError(t, s.PutInProgress(ctx, inProgress("k1", clock.Now())))
	})

	t.Run("ConcurrentPutInProgress", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)

		var (
			wg      sync.WaitGroup
			created atomic.Int32
		)
		for n := 0; n < 10; n++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.PutInProgress(ctx, inProgress("concurrent", clock.Now()))
				if err == nil {
					created.Add(1)
					return
				}
				assert.ErrorIs(t, err, idempotency.ErrRecordAlreadyExists)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), created.Load())
	})

	t.Run("LargeResult", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)
		large := make([]byte, 1<<20)
		for i := range large {
			large[i] = byte('a' + i%26)
		}
		require.NoError(t, s.PutInProgress(ctx, inProgress("large", clock.Now())))
		require.NoError(t, s.PutComplete(ctx, "large", large, time.Hour))

		got, err := s.Get(ctx, "large")
		require.NoError(t, err)
		assert.Equal(t, large, []byte(got.Result))
	})
}
