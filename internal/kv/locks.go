package kv

import (
	"context"
	"fmt"
	"sync"
)

// keyedLocks serialises holders of the same key inside one process.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

func (k *keyedLocks) lock(ctx context.Context, key string) (Unlocker, error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return &localUnlocker{parent: k, key: key, l: l}, nil
	case <-ctx.Done():
		k.drop(key, l)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockNotObtained, key, ctx.Err())
	}
}

func (k *keyedLocks) drop(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

type localUnlocker struct {
	parent *keyedLocks
	key    string
	l      *keyLock
	once   sync.Once
}

func (u *localUnlocker) Unlock(context.Context) error {
	u.once.Do(func() {
		<-u.l.ch
		u.parent.drop(u.key, u.l)
	})
	return nil
}
