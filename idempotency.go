// Package idempotency makes serverless handlers idempotent. A wrapped handler
// derives a key from its input, records the call in a pluggable Store, and
// replays the stored result for repeated calls instead of running again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AnandSundar/lambda-idempotency/envelope"
)

const (
	// DefaultFunctionName prefixes keys when no function name is configured
	DefaultFunctionName = "handler"
	// DefaultTTL is the default time-to-live for completed records
	DefaultTTL = time.Hour
	// DefaultWaitTimeout bounds ModeWait polling
	DefaultWaitTimeout = 30 * time.Second
	// DefaultPollInterval is the ModeWait polling interval
	DefaultPollInterval = 100 * time.Millisecond

	// maxRetries bounds re-attempts when the record vanishes between create and read
	maxRetries = 2
)

// HandlerFunc is the raw-bytes handler run under idempotency
type HandlerFunc func(ctx context.Context) ([]byte, error)

// Idempotency coordinates handler calls through a Store. It holds no mutable
// state after New and is safe for concurrent use.
type Idempotency struct {
	store Store
	cfg   *Config
}

// New creates a wrapper backed by store
func New(store Store, opts ...Option) (*Idempotency, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	cfg := NewConfig(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Idempotency{store: store, cfg: cfg}, nil
}

// Config returns a copy of the effective configuration
func (i *Idempotency) Config() Config {
	return *i.cfg
}

// Key returns the idempotency key payload maps to
func (i *Idempotency) Key(payload []byte) (string, error) {
	return DeriveKey(i.cfg, payload)
}

// Handle runs fn at most once per key derived from payload and returns its
// result, or the stored result of an earlier successful run.
func (i *Idempotency) Handle(ctx context.Context, payload []byte, fn HandlerFunc) ([]byte, error) {
	key, err := DeriveKey(i.cfg, payload)
	if err != nil {
		if i.cfg.SkipOnMissingKey && errors.Is(err, envelope.ErrNoMatch) {
			i.cfg.Logger.WarnContext(ctx, "no idempotency key found, running without idempotency",
				"path", i.cfg.EventKeyPath)
			return fn(ctx)
		}
		return nil, err
	}

	hash := payloadHash(i.cfg, payload)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, done, err := i.attempt(ctx, key, hash, fn)
		if done {
			return result, err
		}
		i.cfg.Logger.DebugContext(ctx, "idempotency record changed underneath, retrying",
			"key", key, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: key %q", ErrInconsistentState, key)
}

// attempt makes one pass of create-or-resolve. done is false when the caller
// should start over.
func (i *Idempotency) attempt(ctx context.Context, key, hash string, fn HandlerFunc) (result []byte, done bool, err error) {
	now := i.cfg.Clock()
	record := &Record{
		Key:         key,
		Status:      StatusInProgress,
		ExpiresAt:   now.Add(i.cfg.TTL),
		PayloadHash: hash,
	}
	if deadline, ok := ctx.Deadline(); ok {
		record.InProgressExpiresAt = deadline
	}

	err = i.store.PutInProgress(ctx, record)
	switch {
	case err == nil:
		result, err = i.execute(ctx, key, fn)
		return result, true, err
	case errors.Is(err, ErrRecordAlreadyExists):
		return i.resolveExisting(ctx, key, hash)
	default:
		return nil, true, &PersistenceError{Op: "put in progress", Key: key, Err: err}
	}
}

// execute runs the handler as the owner of the in-progress record
func (i *Idempotency) execute(ctx context.Context, key string, fn HandlerFunc) ([]byte, error) {
	result, err := fn(ctx)
	// the record must be settled even if the caller's context is gone
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		if delErr := i.store.Delete(storeCtx, key); delErr != nil {
			i.cfg.Logger.ErrorContext(ctx, "failed to delete idempotency record after handler error",
				"key", key, "error", delErr)
			return nil, fmt.Errorf("%w; %w", err, &PersistenceError{Op: "delete", Key: key, Err: delErr})
		}
		return nil, err
	}

	if err := i.store.PutComplete(storeCtx, key, result, i.cfg.TTL); err != nil {
		i.cfg.Logger.ErrorContext(ctx, "failed to store idempotency result", "key", key, "error", err)
		return nil, &PersistenceError{Op: "put complete", Key: key, Err: err}
	}
	return result, nil
}

// resolveExisting handles a lost create-if-absent race
func (i *Idempotency) resolveExisting(ctx context.Context, key, hash string) ([]byte, bool, error) {
	record, err := i.store.Get(ctx, key)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, &PersistenceError{Op: "get", Key: key, Err: err}
	}
	if err := validatePayload(record, hash); err != nil {
		return nil, true, err
	}

	now := i.cfg.Clock()
	switch record.StatusAt(now) {
	case StatusCompleted:
		i.cfg.Logger.DebugContext(ctx, "returning stored idempotency result", "key", key)
		return record.Result, true, nil
	case StatusInProgress:
		if record.Replaceable(now) {
			return nil, false, nil
		}
		if i.cfg.ConcurrencyMode == ModeWait {
			return i.wait(ctx, key, hash)
		}
		i.cfg.Logger.InfoContext(ctx, "concurrent invocation detected", "key", key)
		return nil, true, fmt.Errorf("%w: key %q", ErrConcurrentInvocation, key)
	default:
		return nil, false, nil
	}
}

// wait polls until the in-flight call settles
func (i *Idempotency) wait(ctx context.Context, key, hash string) ([]byte, bool, error) {
	waitCtx := ctx
	if i.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, i.cfg.WaitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, true, fmt.Errorf("%w: key %q: %w", ErrConcurrentInvocation, key, waitCtx.Err())
		case <-ticker.C:
		}

		record, err := i.store.Get(waitCtx, key)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			if waitCtx.Err() != nil {
				continue
			}
			return nil, true, &PersistenceError{Op: "get", Key: key, Err: err}
		}
		if err := validatePayload(record, hash); err != nil {
			return nil, true, err
		}

		now := i.cfg.Clock()
		switch record.StatusAt(now) {
		case StatusCompleted:
			return record.Result, true, nil
		case StatusExpired:
			return nil, false, nil
		case StatusInProgress:
			if record.Replaceable(now) {
				return nil, false, nil
			}
		}
	}
}

func validatePayload(record *Record, hash string) error {
	if hash == "" || record.PayloadHash == "" || hash == record.PayloadHash {
		return nil
	}
	return fmt.Errorf("%w: key %q", ErrPayloadValidation, record.Key)
}

// Wrap returns fn made idempotent by i. The input is marshalled to JSON for
// key extraction and the output is stored as JSON, so both must round-trip
// through encoding/json.
func Wrap[In, Out any](i *Idempotency, fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		var zero Out
		payload, err := json.Marshal(in)
		if err != nil {
			return zero, &KeyError{Path: i.cfg.EventKeyPath, Err: err}
		}

		var (
			out Out
			ran bool
		)
		raw, err := i.Handle(ctx, payload, func(ctx context.Context) ([]byte, error) {
			res, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			out, ran = res, true
			return json.Marshal(res)
		})
		if err != nil {
			return zero, err
		}
		if ran {
			return out, nil
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("idempotency: decode stored result: %w", err)
		}
		return out, nil
	}
}
