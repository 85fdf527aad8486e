package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Store is the single-key atomic surface of the shared key-value store.
// Every coordination primitive in this module is built from these calls
// alone; none of them spans more than one key.
//
// A ttl of zero means the key never expires. An absent key is reported
// through the found/accepted return values, never through an error.
type Store interface {
	// Get returns the value stored at key and whether it was present.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// SetIfAbsent writes value only when key does not exist. accepted is
	// false when another writer got there first.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (accepted bool, err error)

	// Set writes value unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment adds by to the integer at key, creating it at by when absent,
	// and returns the new value. It never touches the TTL; callers that
	// created the key follow up with Expire and tolerate the gap between the
	// two calls.
	Increment(ctx context.Context, key string, by int64) (int64, error)

	// Expire sets the TTL of an existing key. Non-positive TTLs are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteIfEqual removes key only while it still holds value.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (deleted bool, err error)

	// ScanPrefix lazily yields the keys starting with prefix. It is a
	// maintenance operation and must not be used on request paths.
	ScanPrefix(ctx context.Context, prefix string) iter.Seq2[string, error]
}

// Kind separates the two infrastructure failure classes.
type Kind int

const (
	// KindUnavailable means the store could not be reached at all: it is not
	// configured, the connection failed, or the call ran out of time.
	KindUnavailable Kind = iota + 1
	// KindOperationFailed means the store answered but rejected the call.
	KindOperationFailed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindOperationFailed:
		return "operation failed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnavailable matches any *Error of KindUnavailable via errors.Is.
	ErrUnavailable = errors.New("store unavailable")
	// ErrOperationFailed matches any *Error of KindOperationFailed via errors.Is.
	ErrOperationFailed = errors.New("store operation failed")
	// ErrNotConfigured is the cause carried by Unconfigured.
	ErrNotConfigured = errors.New("store not configured")
)

// Error is returned by every Store implementation for infrastructure
// failures.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrOperationFailed:
		return e.Kind == KindOperationFailed
	}
	return false
}

// IsInfrastructure reports whether err came from the store rather than from
// caller logic.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrOperationFailed)
}

func unavailable(op, key string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Key: key, Err: err}
}

func operationFailed(op, key string, err error) *Error {
	return &Error{Kind: KindOperationFailed, Op: op, Key: key, Err: err}
}
