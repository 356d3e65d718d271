package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrDrainTimeout = errors.New("timeout waiting for background tasks to drain")

// DrainManager tracks draining state and detached background tasks such as
// asynchronous box provisioning.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) ActiveTasks() int64 {
	return m.active.Load()
}

// TrackTask registers a background task and returns its completion callback.
// Calling the callback more than once is safe.
func (m *DrainManager) TrackTask() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

// WaitTasks blocks until every tracked task has finished or ctx ends.
func (m *DrainManager) WaitTasks(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return ErrDrainTimeout
	case <-waitDone:
		return nil
	}
}
