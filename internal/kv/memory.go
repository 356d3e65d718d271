package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local backend, used for tests and single-process
// development runs.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	zsets  map[string]map[string]float64
	locks  *keyedLocks
}

var _ Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		zsets:  make(map[string]map[string]float64),
		locks:  newKeyedLocks(),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.zsets, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.values[key]; ok {
		return true, nil
	}
	_, ok := m.zsets[key]
	return ok, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZRank(_ context.Context, key, member string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, name := range m.sortedLocked(key) {
		if name == member {
			return int64(i), nil
		}
	}
	return -1, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sliceRange(m.sortedLocked(key), start, stop), nil
}

func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.sortedLocked(key)
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	return sliceRange(members, start, stop), nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if v, ok := m.values[key]; ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) MSet(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *Memory) MDelete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) Lock(ctx context.Context, key string, _ time.Duration) (Unlocker, error) {
	return m.locks.lock(ctx, key)
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) sortedLocked(key string) []string {
	set := m.zsets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := set[members[i]], set[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

func sliceRange(members []string, start, stop int64) []string {
	from, to, ok := normalizeRange(start, stop, int64(len(members)))
	if !ok {
		return []string{}
	}
	return members[from : to+1]
}
