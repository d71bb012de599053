package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

// DefaultRedisPrefix namespaces record keys
const DefaultRedisPrefix = "idempotency"

// RedisStore is a Redis-backed implementation of idempotency.Store. Each
// record is a hash whose key TTL matches the record expiry.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key namespace
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisClock replaces time.Now
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultRedisPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves a live record from Redis
func (s *RedisStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if len(fields) == 0 {
		return nil, idempotency.ErrRecordNotFound
	}

	record, err := decodeRedisRecord(key, fields)
	if err != nil {
		return nil, err
	}
	if record.IsExpired(s.now()) {
		return nil, idempotency.ErrRecordNotFound
	}
	return record, nil
}

// PutInProgress creates the record atomically with a Lua script
func (s *RedisStore) PutInProgress(ctx context.Context, record *idempotency.Record) error {
	now := s.now()
	ttl := record.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	created, err := putInProgressScript.Run(ctx, s.client, []string{s.recordKey(record.Key)},
		now.UnixMilli(),
		unixMilli(record.ExpiresAt),
		unixMilli(record.InProgressExpiresAt),
		record.PayloadHash,
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("idempotency put in progress: %w", err)
	}
	if created == 0 {
		return idempotency.ErrRecordAlreadyExists
	}
	return nil
}

// PutComplete stores the result in Redis with TTL
func (s *RedisStore) PutComplete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	rk := s.recordKey(key)
	expiresAt := s.now().Add(ttl)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rk,
			"status", string(idempotency.StatusCompleted),
			"result", result,
			"expires_at", expiresAt.UnixMilli(),
		)
		pipe.HDel(ctx, rk, "in_progress_expires_at")
		pipe.PExpire(ctx, rk, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("idempotency put complete: %w", err)
	}
	return nil
}

// Delete removes the record
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.recordKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}

func (s *RedisStore) recordKey(key string) string {
	return s.prefix + ":record:" + key
}

func decodeRedisRecord(key string, fields map[string]string) (*idempotency.Record, error) {
	record := &idempotency.Record{
		Key:         key,
		Status:      idempotency.Status(fields["status"]),
		PayloadHash: fields["payload_hash"],
	}
	if v, ok := fields["result"]; ok {
		record.Result = []byte(v)
	}
	var err error
	if record.ExpiresAt, err = parseUnixMilli(fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("decode idempotency record %q: expires_at: %w", key, err)
	}
	if record.InProgressExpiresAt, err = parseUnixMilli(fields["in_progress_expires_at"]); err != nil {
		return nil, fmt.Errorf("decode idempotency record %q: in_progress_expires_at: %w", key, err)
	}
	return record, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseUnixMilli(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// KEYS[1] record key
// ARGV now_ms, expires_at_ms, in_progress_expires_at_ms, payload_hash, ttl_ms
var putInProgressScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status then
  local now = tonumber(ARGV[1])
  local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
  local inprogress = tonumber(redis.call("HGET", KEYS[1], "in_progress_expires_at") or "0")
  local expired = expires > 0 and expires <= now
  local abandoned = status == "INPROGRESS" and inprogress > 0 and inprogress <= now
  if not expired and not abandoned then
    return 0
  end
  redis.call("DEL", KEYS[1])
end
redis.call("HSET", KEYS[1], "status", "INPROGRESS", "expires_at", ARGV[2], "in_progress_expires_at", ARGV[3], "payload_hash", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)
