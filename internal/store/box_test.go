package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fslongjin/agentboxd/internal/kv"
	"github.com/fslongjin/agentboxd/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBoxStore(t *testing.T) (*BoxStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewBoxStore(kv.NewMemory(), WithClock(clock.Now)), clock
}

func newBox(id string, status model.BoxStatus, createdAt time.Time) *model.AgentBox {
	return &model.AgentBox{
		ID:          id,
		Status:      status,
		RepoContext: model.RepoContext{URL: "https://github.com/acme/api.git", Branch: "main"},
		Network:     model.Network{PublicIP: "10.0.0.5", SSHPort: 22},
		Meta:        model.BoxMeta{CreatedAt: createdAt, LastHeartbeat: createdAt, IsPoolInstance: true},
	}
}

var mainRepo = RepoQuery{RepoURL: "https://github.com/acme/api.git", Branch: "main"}

func TestBoxStoreSaveAndIndexes(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)

	require.NoError(t, s.Save(ctx, newBox("b1", model.BoxStatusCreating, clock.Now())))

	got, err := s.GetByID(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.BoxStatusCreating, got.Status)
	assert.Equal(t, "10.0.0.5", got.Network.PublicIP)

	missing, err := s.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateStatus(ctx, "b1", model.BoxStatusReady))

	creating, err := s.ListByStatus(ctx, model.BoxStatusCreating)
	require.NoError(t, err)
	assert.Empty(t, creating)
	ready, err := s.ListByStatus(ctx, model.BoxStatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b1", ready[0].ID)

	byRepo, err := s.ListByRepo(ctx, mainRepo)
	require.NoError(t, err)
	require.Len(t, byRepo, 1)

	other, err := s.ListByRepo(ctx, RepoQuery{RepoURL: mainRepo.RepoURL, Branch: "dev"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestBoxStoreMutationsOnMissingIDAreNoops(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestBoxStore(t)

	require.NoError(t, s.UpdateStatus(ctx, "ghost", model.BoxStatusReady))
	require.NoError(t, s.Release(ctx, "ghost"))
	ok, err := s.Lease(ctx, "ghost", "agent", 60)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetByID(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBoxStoreLeaseRules(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)

	require.NoError(t, s.Save(ctx, newBox("creating", model.BoxStatusCreating, clock.Now())))
	require.NoError(t, s.Save(ctx, newBox("ready", model.BoxStatusReady, clock.Now())))

	ok, err := s.Lease(ctx, "creating", "agent", 60)
	require.NoError(t, err)
	assert.False(t, ok, "creating boxes cannot be leased")

	ok, err = s.Lease(ctx, "ready", "agent-a", 60)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Lease(ctx, "ready", "agent-b", 60)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease must not be granted twice")

	box, err := s.GetByID(ctx, "ready")
	require.NoError(t, err)
	assert.Equal(t, model.BoxStatusBusy, box.Status)
	assert.Equal(t, "agent-a", box.AssignedTo)
	require.NotNil(t, box.LeaseExpiresAt)
	assert.True(t, clock.Now().Add(time.Minute).Equal(*box.LeaseExpiresAt))
	require.NotNil(t, box.Meta.LastUsed)

	require.NoError(t, s.Release(ctx, "ready"))
	box, err = s.GetByID(ctx, "ready")
	require.NoError(t, err)
	assert.Equal(t, model.BoxStatusReady, box.Status)
	assert.Empty(t, box.AssignedTo)
	assert.Nil(t, box.LeaseExpiresAt)

	ok, err = s.Lease(ctx, "ready", "agent-b", 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBoxStoreConcurrentLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)
	require.NoError(t, s.Save(ctx, newBox("b1", model.BoxStatusReady, clock.Now())))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Lease(ctx, "b1", fmt.Sprintf("agent-%d", i), 300)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, granted.Load())
}

func TestBoxStoreFindAvailableReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)
	require.NoError(t, s.Save(ctx, newBox("b1", model.BoxStatusReady, clock.Now())))

	ok, err := s.Lease(ctx, "b1", "agent", 30)
	require.NoError(t, err)
	require.True(t, ok)

	found, err := s.FindAvailable(ctx, mainRepo)
	require.NoError(t, err)
	assert.Nil(t, found, "leased box must not be offered")

	clock.Advance(31 * time.Second)

	found, err = s.FindAvailable(ctx, mainRepo)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b1", found.ID)
	assert.Equal(t, model.BoxStatusReady, found.Status)

	stored, err := s.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BoxStatusReady, stored.Status)
	assert.Empty(t, stored.AssignedTo)
	assert.Nil(t, stored.LeaseExpiresAt)

	busy, err := s.ListByStatus(ctx, model.BoxStatusBusy)
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestBoxStoreFindAvailablePrefersReadyBoxes(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)

	require.NoError(t, s.Save(ctx, newBox("expired", model.BoxStatusReady, clock.Now())))
	ok, err := s.Lease(ctx, "expired", "agent", 1)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	require.NoError(t, s.Save(ctx, newBox("fresh", model.BoxStatusReady, clock.Now())))
	require.NoError(t, s.Save(ctx, newBox("broken", model.BoxStatusError, clock.Now())))

	found, err := s.FindAvailable(ctx, mainRepo)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "fresh", found.ID)

	stored, err := s.GetByID(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, model.BoxStatusBusy, stored.Status, "no reclaim while a ready box exists")
}

func TestBoxStoreReclaimAbortsWhenReleased(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)
	require.NoError(t, s.Save(ctx, newBox("b1", model.BoxStatusReady, clock.Now())))
	ok, err := s.Lease(ctx, "b1", "agent-a", 10)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(11 * time.Second)
	ok, err = s.Lease(ctx, "b1", "agent-b", 60)
	require.NoError(t, err)
	require.True(t, ok, "an expired lease can be taken over")

	reclaimed, err := s.reclaim(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, reclaimed)

	stored, err := s.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", stored.AssignedTo)
}

func TestBoxStoreListByRepoIsMostRecentlyUsedFirst(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestBoxStore(t)

	for _, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Save(ctx, newBox(id, model.BoxStatusReady, clock.Now())))
		clock.Advance(time.Minute)
	}

	boxes, err := s.ListByRepo(ctx, mainRepo)
	require.NoError(t, err)
	require.Len(t, boxes, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{boxes[0].ID, boxes[1].ID, boxes[2].ID})
}

func TestBoxStoreScanLimit(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	s := NewBoxStore(kv.NewMemory(), WithClock(clock.Now), WithScanLimit(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, newBox(fmt.Sprintf("b%d", i), model.BoxStatusReady, clock.Now())))
		clock.Advance(time.Second)
	}
	boxes, err := s.ListByRepo(ctx, mainRepo)
	require.NoError(t, err)
	assert.Len(t, boxes, 2)
}
