package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentInvocation is returned when a request with the same key is already being processed
	ErrConcurrentInvocation = errors.New("request with this idempotency key is already in progress")

	// ErrExtraction is returned when the key-extraction rule does not match the payload
	ErrExtraction = errors.New("idempotency key could not be extracted from payload")

	// ErrRecordNotFound is returned by a Store when no live record exists for a key
	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrRecordAlreadyExists is returned by a Store when PutInProgress loses the create-if-absent race
	ErrRecordAlreadyExists = errors.New("idempotency record already exists")

	// ErrPayloadValidation is returned when a replayed request does not match the stored payload hash
	ErrPayloadValidation = errors.New("payload does not match the stored idempotency record")

	// ErrInconsistentState is returned when the record keeps disappearing between create and read
	ErrInconsistentState = errors.New("idempotency record is in an inconsistent state")

	// ErrPersistence matches every *PersistenceError
	ErrPersistence = errors.New("idempotency persistence layer failure")

	// ErrInvalidConfig is returned by New when the configuration does not validate
	ErrInvalidConfig = errors.New("invalid idempotency configuration")
)

// KeyError describes a failed key derivation.
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s (path %q): %v", ErrExtraction, e.Path, e.Err)
}

func (e *KeyError) Is(target error) bool { return target == ErrExtraction }

func (e *KeyError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("idempotency %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }
