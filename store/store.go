// Package store abstracts the shared counter/state store that lets multiple
// process instances agree on circuit breaker and rate limit decisions. The
// production implementation is Redis; components treat per-operation errors
// as a signal to degrade to process-local state rather than failing callers.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared-state collaborator used by the resilience components.
// Implementations must make CompareAndSwap and Eval atomic with respect to
// concurrent callers in other processes; a naive read-modify-write against
// the backing store is not acceptable for any method documented as atomic.
type Store interface {
	Get(ctx context.Context, key string) (string, error)

	// Set writes value with a TTL. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndSwap atomically replaces the value at key with next when the
	// current value equals prev. A prev of "" means "create only if absent".
	// It returns false when the comparison failed.
	CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error)

	// IncrBy atomically adds delta to the counter at key and returns the new
	// value. Part of the collaborator boundary alongside HSet and Expire even
	// where the rate limiter folds the equivalent update into a Lua script.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// HSet writes hash fields; HGetAll reads them all (empty map when absent).
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Scan returns all keys matching pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Eval runs a Lua script atomically against the store. Scripts are cached
	// by SHA where the backend supports it.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	Ping(ctx context.Context) error
	Close() error
}
