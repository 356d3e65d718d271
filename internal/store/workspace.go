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

const workspaceLockTTL = 10 * time.Second

// WorkspaceStore persists single-host workspace records, indexed per host.
type WorkspaceStore struct {
	kv     kv.Client
	prefix string
}

func NewWorkspaceStore(client kv.Client, prefix string) *WorkspaceStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &WorkspaceStore{kv: client, prefix: prefix}
}

func (s *WorkspaceStore) key(id string) string {
	return s.prefix + ":workspace:" + id
}

func (s *WorkspaceStore) lockKey(id string) string {
	return s.prefix + ":lock:workspace:" + id
}

func (s *WorkspaceStore) hostKey(hostID string) string {
	return s.prefix + ":idx:workspace-host:" + hostID
}

// Get returns nil when the workspace does not exist.
func (s *WorkspaceStore) Get(ctx context.Context, id string) (*model.WorkspaceRecord, error) {
	data, err := s.kv.Get(ctx, s.key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace %s: %w", id, err)
	}
	var rec model.WorkspaceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workspace %s: %w", id, err)
	}
	return &rec, nil
}

func (s *WorkspaceStore) Save(ctx context.Context, rec *model.WorkspaceRecord) error {
	return s.withLock(ctx, rec.ID, func() error {
		return s.save(ctx, rec)
	})
}

// Update re-reads the record under its lock, applies fn and saves the
// result. It returns nil without calling fn when the record is gone, so a
// concurrent Delete is never undone.
func (s *WorkspaceStore) Update(ctx context.Context, id string, fn func(rec *model.WorkspaceRecord)) (*model.WorkspaceRecord, error) {
	var out *model.WorkspaceRecord
	err := s.withLock(ctx, id, func() error {
		rec, err := s.Get(ctx, id)
		if err != nil || rec == nil {
			return err
		}
		fn(rec)
		if err := s.save(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *WorkspaceStore) save(ctx context.Context, rec *model.WorkspaceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace %s: %w", rec.ID, err)
	}
	if err := s.kv.Set(ctx, s.key(rec.ID), data); err != nil {
		return fmt.Errorf("failed to save workspace %s: %w", rec.ID, err)
	}
	if err := s.kv.ZAdd(ctx, s.hostKey(rec.HostID), float64(rec.CreatedAt.UnixMilli()), rec.ID); err != nil {
		return fmt.Errorf("failed to index workspace %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record. Missing ids are a no-op.
func (s *WorkspaceStore) Delete(ctx context.Context, id string) error {
	return s.withLock(ctx, id, func() error {
		rec, err := s.Get(ctx, id)
		if err != nil || rec == nil {
			return err
		}
		if err := s.kv.ZRem(ctx, s.hostKey(rec.HostID), id); err != nil {
			return fmt.Errorf("failed to unindex workspace %s: %w", id, err)
		}
		if err := s.kv.Delete(ctx, s.key(id)); err != nil {
			return fmt.Errorf("failed to delete workspace %s: %w", id, err)
		}
		return nil
	})
}

func (s *WorkspaceStore) withLock(ctx context.Context, id string, fn func() error) error {
	lock, err := s.kv.Lock(ctx, s.lockKey(id), workspaceLockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock workspace %s: %w", id, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release workspace lock", "component", "workspace_store", "workspace_id", id, "error", err)
		}
	}()
	return fn()
}

// ListByHost returns workspaces on a host, newest first.
func (s *WorkspaceStore) ListByHost(ctx context.Context, hostID string, limit int) ([]model.WorkspaceRecord, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	ids, err := s.kv.ZRevRange(ctx, s.hostKey(hostID), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces for host %s: %w", hostID, err)
	}
	if len(ids) == 0 {
		return []model.WorkspaceRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspaces: %w", err)
	}
	items := make([]model.WorkspaceRecord, 0, len(values))
	for _, data := range values {
		if data == nil {
			continue
		}
		var rec model.WorkspaceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workspace: %w", err)
		}
		items = append(items, rec)
	}
	return items, nil
}
