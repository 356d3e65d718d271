package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fslongjin/agentboxd/internal/kv"
	"github.com/fslongjin/agentboxd/pkg/model"
)

const (
	DefaultKeyPrefix = "agentbox"
	DefaultScanLimit = 100

	boxLockTTL = 30 * time.Second
)

// BoxStore persists AgentBox records in a kv backend. Each box has a primary
// record plus membership in one (repo, branch) index and one status index,
// both scored by last activity.
//
// Every mutation runs under the box's lock and re-reads the record inside
// it, which makes Lease a compare-and-set per box id.
type BoxStore struct {
	kv        kv.Client
	prefix    string
	scanLimit int64
	now       func() time.Time
	logger    *slog.Logger
}

type BoxStoreOption func(*BoxStore)

func WithKeyPrefix(prefix string) BoxStoreOption {
	return func(s *BoxStore) { s.prefix = prefix }
}

func WithScanLimit(limit int) BoxStoreOption {
	return func(s *BoxStore) {
		if limit > 0 {
			s.scanLimit = int64(limit)
		}
	}
}

func WithClock(now func() time.Time) BoxStoreOption {
	return func(s *BoxStore) { s.now = now }
}

func NewBoxStore(client kv.Client, opts ...BoxStoreOption) *BoxStore {
	s := &BoxStore{
		kv:        client,
		prefix:    DefaultKeyPrefix,
		scanLimit: DefaultScanLimit,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "box_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RepoQuery selects the (repo, branch) index.
type RepoQuery struct {
	RepoURL string
	Branch  string
}

func (s *BoxStore) boxKey(id string) string {
	return s.prefix + ":box:" + id
}

func (s *BoxStore) repoKey(repoURL, branch string) string {
	return s.prefix + ":idx:repo:" + repoURL + "#" + branch
}

func (s *BoxStore) statusKey(status model.BoxStatus) string {
	return s.prefix + ":idx:status:" + string(status)
}

func (s *BoxStore) lockKey(id string) string {
	return s.prefix + ":lock:box:" + id
}

// GetByID returns nil when the box does not exist.
func (s *BoxStore) GetByID(ctx context.Context, id string) (*model.AgentBox, error) {
	data, err := s.kv.Get(ctx, s.boxKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get box %s: %w", id, err)
	}
	var box model.AgentBox
	if err := json.Unmarshal(data, &box); err != nil {
		return nil, fmt.Errorf("failed to unmarshal box %s: %w", id, err)
	}
	return &box, nil
}

// ListByRepo returns up to the scan limit of boxes in the (repo, branch)
// index, most recently used first. Index entries without a primary record
// are skipped.
func (s *BoxStore) ListByRepo(ctx context.Context, q RepoQuery) ([]model.AgentBox, error) {
	ids, err := s.kv.ZRevRange(ctx, s.repoKey(q.RepoURL, q.Branch), 0, s.scanLimit-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list repo index: %w", err)
	}
	return s.loadMany(ctx, ids)
}

// ListByStatus returns up to the scan limit of boxes in a status index.
func (s *BoxStore) ListByStatus(ctx context.Context, status model.BoxStatus) ([]model.AgentBox, error) {
	ids, err := s.kv.ZRevRange(ctx, s.statusKey(status), 0, s.scanLimit-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list status index: %w", err)
	}
	return s.loadMany(ctx, ids)
}

func (s *BoxStore) loadMany(ctx context.Context, ids []string) ([]model.AgentBox, error) {
	if len(ids) == 0 {
		return []model.AgentBox{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.boxKey(id)
	}
	values, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load boxes: %w", err)
	}

	boxes := make([]model.AgentBox, 0, len(values))
	for i, data := range values {
		if data == nil {
			continue
		}
		var box model.AgentBox
		if err := json.Unmarshal(data, &box); err != nil {
			s.logger.Warn("skipping unreadable box record", "box_id", ids[i], "error", err)
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// FindAvailable returns the first ready box without a valid lease in the
// (repo, branch) index. Failing that, it reclaims a busy box whose lease has
// expired and returns it as ready. Returns nil when nothing is available.
func (s *BoxStore) FindAvailable(ctx context.Context, q RepoQuery) (*model.AgentBox, error) {
	boxes, err := s.ListByRepo(ctx, q)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range boxes {
		box := &boxes[i]
		if box.Status == model.BoxStatusReady && !box.HasValidLease(now) {
			return box, nil
		}
	}

	for i := range boxes {
		box := &boxes[i]
		if box.Status != model.BoxStatusBusy || box.HasValidLease(now) {
			continue
		}
		reclaimed, err := s.reclaim(ctx, box.ID)
		if err != nil {
			return nil, err
		}
		if reclaimed != nil {
			return reclaimed, nil
		}
	}
	return nil, nil
}

// reclaim releases an expired lease. It returns nil when someone else
// reclaimed or re-leased the box first.
func (s *BoxStore) reclaim(ctx context.Context, id string) (*model.AgentBox, error) {
	var out *model.AgentBox
	err := s.withLock(ctx, id, func() error {
		box, err := s.GetByID(ctx, id)
		if err != nil || box == nil {
			return err
		}
		now := s.now()
		if box.Status != model.BoxStatusBusy || box.HasValidLease(now) {
			return nil
		}
		prevHolder := box.AssignedTo
		box.ClearLease()
		box.Status = model.BoxStatusReady
		box.Touch(now)
		if err := s.save(ctx, box); err != nil {
			return err
		}
		s.logger.Info("reclaimed expired lease", "box_id", id, "previous_holder", prevHolder)
		out = box
		return nil
	})
	return out, err
}

// Save upserts the record and re-indexes it.
func (s *BoxStore) Save(ctx context.Context, box *model.AgentBox) error {
	return s.withLock(ctx, box.ID, func() error {
		return s.save(ctx, box)
	})
}

func (s *BoxStore) save(ctx context.Context, box *model.AgentBox) error {
	prev, err := s.GetByID(ctx, box.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		if prev.Status != box.Status {
			if err := s.kv.ZRem(ctx, s.statusKey(prev.Status), box.ID); err != nil {
				return fmt.Errorf("failed to drop box %s from status index: %w", box.ID, err)
			}
		}
		if prev.RepoContext.URL != box.RepoContext.URL || prev.RepoContext.Branch != box.RepoContext.Branch {
			if err := s.kv.ZRem(ctx, s.repoKey(prev.RepoContext.URL, prev.RepoContext.Branch), box.ID); err != nil {
				return fmt.Errorf("failed to drop box %s from repo index: %w", box.ID, err)
			}
		}
	}

	data, err := json.Marshal(box)
	if err != nil {
		return fmt.Errorf("failed to marshal box %s: %w", box.ID, err)
	}
	if err := s.kv.Set(ctx, s.boxKey(box.ID), data); err != nil {
		return fmt.Errorf("failed to save box %s: %w", box.ID, err)
	}

	score := float64(box.LastActivity().UnixMilli())
	if err := s.kv.ZAdd(ctx, s.repoKey(box.RepoContext.URL, box.RepoContext.Branch), score, box.ID); err != nil {
		return fmt.Errorf("failed to index box %s by repo: %w", box.ID, err)
	}
	if err := s.kv.ZAdd(ctx, s.statusKey(box.Status), score, box.ID); err != nil {
		return fmt.Errorf("failed to index box %s by status: %w", box.ID, err)
	}
	return nil
}

// UpdateStatus moves the box to another status index. Missing ids are a no-op.
func (s *BoxStore) UpdateStatus(ctx context.Context, id string, status model.BoxStatus) error {
	return s.withLock(ctx, id, func() error {
		box, err := s.GetByID(ctx, id)
		if err != nil || box == nil {
			return err
		}
		if err := s.kv.ZRem(ctx, s.statusKey(box.Status), id); err != nil {
			return fmt.Errorf("failed to drop box %s from status index: %w", id, err)
		}
		box.Status = status
		box.Meta.LastHeartbeat = s.now()
		return s.save(ctx, box)
	})
}

// Lease grants assignedTo an exclusive claim for ttlSeconds. It returns
// false when the box is missing, already leased, or not ready/busy.
func (s *BoxStore) Lease(ctx context.Context, id, assignedTo string, ttlSeconds int) (bool, error) {
	leased := false
	err := s.withLock(ctx, id, func() error {
		box, err := s.GetByID(ctx, id)
		if err != nil || box == nil {
			return err
		}
		now := s.now()
		if box.HasValidLease(now) {
			return nil
		}
		if box.Status != model.BoxStatusReady && box.Status != model.BoxStatusBusy {
			return nil
		}
		expires := now.Add(time.Duration(ttlSeconds) * time.Second)
		box.AssignedTo = assignedTo
		box.LeaseExpiresAt = &expires
		box.Status = model.BoxStatusBusy
		box.Touch(now)
		if err := s.save(ctx, box); err != nil {
			return err
		}
		leased = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return leased, nil
}

// Release clears the lease and returns the box to ready.
func (s *BoxStore) Release(ctx context.Context, id string) error {
	return s.withLock(ctx, id, func() error {
		box, err := s.GetByID(ctx, id)
		if err != nil || box == nil {
			return err
		}
		box.ClearLease()
		box.Status = model.BoxStatusReady
		box.Touch(s.now())
		return s.save(ctx, box)
	})
}

func (s *BoxStore) withLock(ctx context.Context, id string, fn func() error) error {
	lock, err := s.kv.Lock(ctx, s.lockKey(id), boxLockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock box %s: %w", id, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release box lock", "box_id", id, "error", err)
		}
	}()
	return fn()
}
