// Package kv is the key-value backing store behind the box and workspace
// stores: plain values, sorted sets used as secondary indexes, batch
// variants for bounded scans, and per-key locks.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("kv: key not found")
	ErrLockNotObtained = errors.New("kv: lock not obtained")
)

// Client is implemented by the Redis, SQLite and in-memory backends.
//
// Sorted-set members are ordered by score, then lexicographically by member,
// matching Redis. Range bounds are inclusive and accept negative indexes
// counted from the end.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRank returns the ascending rank of member, or -1 when absent.
	ZRank(ctx context.Context, key, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	// MGet returns one entry per key; missing keys yield nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	MSet(ctx context.Context, values map[string][]byte) error
	MDelete(ctx context.Context, keys ...string) error

	// Lock blocks until the named lock is held or ctx ends. The lock
	// expires after ttl on backends shared between processes.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)

	Close() error
}

type Unlocker interface {
	Unlock(ctx context.Context) error
}

// normalizeRange resolves Redis-style inclusive bounds against n members.
// ok is false when the range is empty.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
