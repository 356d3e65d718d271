package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fslongjin/agentboxd/internal/logx"
	imodel "github.com/fslongjin/agentboxd/internal/model"
	"github.com/fslongjin/agentboxd/internal/store"
	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

const defaultPoolConcurrency = 4

// PoolBoxCreator is satisfied by AllocatorService.
type PoolBoxCreator interface {
	CreatePoolBox(ctx context.Context, req PoolBoxRequest) (*model.AgentBox, error)
}

// PoolManager keeps each repo pool between its standby floor and instance
// ceiling, and stops boxes that stay idle past the pool's TTL. Failures on
// individual boxes are logged and never abort a batch.
type PoolManager struct {
	boxes       *store.BoxStore
	vms         vm.Manager
	creator     PoolBoxCreator
	concurrency int
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.RWMutex
	lastRun *imodel.ReconcileRun
}

type PoolOption func(*PoolManager)

// WithPoolConcurrency bounds how many box operations one batch runs at once.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *PoolManager) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *PoolManager) { p.now = now }
}

func NewPoolManager(boxes *store.BoxStore, vms vm.Manager, creator PoolBoxCreator, opts ...PoolOption) *PoolManager {
	p := &PoolManager{
		boxes:       boxes,
		vms:         vms,
		creator:     creator,
		concurrency: defaultPoolConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default().With("component", "pool_manager"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newReport(cfg model.PoolConfig) *imodel.PoolReconcileReport {
	return &imodel.PoolReconcileReport{RepoURL: cfg.RepoURL, Branch: cfg.BaseBranch}
}

// EnsureMinStandby creates pool boxes until ready pool boxes plus boxes still
// being created reach MinStandby.
func (p *PoolManager) EnsureMinStandby(ctx context.Context, cfg model.PoolConfig) (*imodel.PoolReconcileReport, error) {
	report := newReport(cfg)
	boxes, err := p.boxes.ListByRepo(ctx, store.RepoQuery{RepoURL: cfg.RepoURL, Branch: cfg.BaseBranch})
	if err != nil {
		return report, err
	}

	now := p.now()
	for i := range boxes {
		b := &boxes[i]
		if b.Meta.IsPoolInstance && b.EffectiveStatus(now) == model.BoxStatusReady {
			report.Active++
		}
		if b.Status == model.BoxStatusCreating {
			report.Pending++
		}
	}
	report.Total = len(boxes)

	missing := cfg.MinStandby - report.Active - report.Pending
	if missing <= 0 {
		return report, nil
	}
	p.logger.Info("creating standby boxes", "repo_url", cfg.RepoURL, "branch", cfg.BaseBranch,
		"active", report.Active, "pending", report.Pending, "missing", missing)

	var mu sync.Mutex
	p.batch(ctx, missing, func(ctx context.Context, _ int) {
		box, err := p.creator.CreatePoolBox(ctx, PoolBoxRequest{RepoURL: cfg.RepoURL, Branch: cfg.BaseBranch})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("standby box creation failed", "repo_url", cfg.RepoURL, "branch", cfg.BaseBranch, "error", err)
			report.Failures = append(report.Failures, fmt.Sprintf("create: %v", err))
			return
		}
		report.Created++
		p.logger.Info("standby box ready", "box_id", box.ID, "repo_url", cfg.RepoURL)
	})
	return report, nil
}

// TrimAboveMax stops the least recently used non-busy boxes until the pool
// is back at MaxInstances. Boxes with a live lease are never touched.
// A MaxInstances of zero means no ceiling.
func (p *PoolManager) TrimAboveMax(ctx context.Context, cfg model.PoolConfig) (*imodel.PoolReconcileReport, error) {
	report := newReport(cfg)
	if cfg.MaxInstances <= 0 {
		return report, nil
	}
	boxes, err := p.boxes.ListByRepo(ctx, store.RepoQuery{RepoURL: cfg.RepoURL, Branch: cfg.BaseBranch})
	if err != nil {
		return report, err
	}

	now := p.now()
	candidates := make([]model.AgentBox, 0, len(boxes))
	for _, b := range boxes {
		if b.Status == model.BoxStatusStopped || b.Status == model.BoxStatusError {
			continue
		}
		report.Total++
		if b.Status == model.BoxStatusBusy || b.HasValidLease(now) {
			continue
		}
		candidates = append(candidates, b)
	}

	excess := report.Total - cfg.MaxInstances
	if excess <= 0 {
		return report, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})
	if excess > len(candidates) {
		excess = len(candidates)
	}
	victims := candidates[:excess]
	p.logger.Info("trimming pool", "repo_url", cfg.RepoURL, "branch", cfg.BaseBranch,
		"total", report.Total, "max", cfg.MaxInstances, "stopping", len(victims))

	stopped, failures := p.stopAll(ctx, victims, "trim")
	report.Stopped = stopped
	report.Failures = failures
	return report, nil
}

// HibernateIdle stops ready boxes whose last use is older than the pool's
// idle TTL.
func (p *PoolManager) HibernateIdle(ctx context.Context, cfg model.PoolConfig) (*imodel.PoolReconcileReport, error) {
	report := newReport(cfg)
	if cfg.IdleTTLSeconds <= 0 {
		return report, nil
	}
	boxes, err := p.boxes.ListByRepo(ctx, store.RepoQuery{RepoURL: cfg.RepoURL, Branch: cfg.BaseBranch})
	if err != nil {
		return report, err
	}

	now := p.now()
	cutoff := now.Add(-time.Duration(cfg.IdleTTLSeconds) * time.Second)
	var idle []model.AgentBox
	for _, b := range boxes {
		if b.EffectiveStatus(now) != model.BoxStatusReady || b.HasValidLease(now) {
			continue
		}
		if b.LastActivity().Before(cutoff) {
			idle = append(idle, b)
		}
	}
	if len(idle) == 0 {
		return report, nil
	}

	stopped, failures := p.stopAll(ctx, idle, "hibernate")
	report.Hibernated = stopped
	report.Failures = failures
	return report, nil
}

// ReconcilePools runs EnsureMinStandby then TrimAboveMax for each pool, one
// pool at a time.
func (p *PoolManager) ReconcilePools(ctx context.Context, configs []model.PoolConfig) []imodel.PoolReconcileReport {
	reports := make([]imodel.PoolReconcileReport, 0, len(configs))
	for _, cfg := range configs {
		report := *newReport(cfg)

		ensured, err := p.EnsureMinStandby(ctx, cfg)
		if err != nil {
			p.logger.Error("ensure standby failed", "repo_url", cfg.RepoURL, "branch", cfg.BaseBranch, "error", err)
			report.Failures = append(report.Failures, fmt.Sprintf("ensure standby: %v", err))
		}
		report.Merge(ensured)

		trimmed, err := p.TrimAboveMax(ctx, cfg)
		if err != nil {
			p.logger.Error("trim failed", "repo_url", cfg.RepoURL, "branch", cfg.BaseBranch, "error", err)
			report.Failures = append(report.Failures, fmt.Sprintf("trim: %v", err))
		}
		report.Merge(trimmed)

		reports = append(reports, report)
	}
	return reports
}

// Run is one full pass: reconcile every pool, then hibernate idle boxes.
func (p *PoolManager) Run(ctx context.Context, trigger string, configs []model.PoolConfig) *imodel.ReconcileRun {
	run := &imodel.ReconcileRun{
		ID:          "rec-" + uuid.New().String()[:8],
		TriggerType: trigger,
		StartedAt:   p.now(),
		Status:      imodel.ReconcileStatusRunning,
	}
	p.setLastRun(run)
	ctx = logx.EnsureRequestID(ctx)

	reports := p.ReconcilePools(ctx, configs)
	for i, cfg := range configs {
		hibernated, err := p.HibernateIdle(ctx, cfg)
		if err != nil {
			p.logger.Error("hibernate failed", "repo_url", cfg.RepoURL, "branch", cfg.BaseBranch, "error", err)
			reports[i].Failures = append(reports[i].Failures, fmt.Sprintf("hibernate: %v", err))
		}
		if hibernated != nil {
			reports[i].Hibernated += hibernated.Hibernated
			reports[i].Failures = append(reports[i].Failures, hibernated.Failures...)
		}
	}

	finished := p.now()
	done := &imodel.ReconcileRun{
		ID:          run.ID,
		TriggerType: run.TriggerType,
		StartedAt:   run.StartedAt,
		FinishedAt:  &finished,
		Status:      imodel.ReconcileStatusCompleted,
		Pools:       reports,
	}
	if ctx.Err() != nil {
		done.Status = imodel.ReconcileStatusFailed
		done.Error = ctx.Err().Error()
	}
	p.setLastRun(done)

	for _, r := range reports {
		p.logger.Info("pool reconciled", "run_id", done.ID, "repo_url", r.RepoURL, "branch", r.Branch,
			"created", r.Created, "stopped", r.Stopped, "hibernated", r.Hibernated, "failures", len(r.Failures))
	}
	return done
}

// Start runs a pass immediately and then every interval until ctx ends.
func (p *PoolManager) Start(ctx context.Context, interval time.Duration, configs []model.PoolConfig) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		p.Run(ctx, "startup", configs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Run(ctx, "scheduled", configs)
			}
		}
	}()
}

// LastRun returns the most recent pass, or nil before the first one.
func (p *PoolManager) LastRun() *imodel.ReconcileRun {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun
}

func (p *PoolManager) setLastRun(run *imodel.ReconcileRun) {
	p.mu.Lock()
	p.lastRun = run
	p.mu.Unlock()
}

// stopAll stops each box and marks it stopped, returning how many succeeded
// and one message per failure.
func (p *PoolManager) stopAll(ctx context.Context, boxes []model.AgentBox, reason string) (int, []string) {
	var (
		mu       sync.Mutex
		stopped  int
		failures []string
	)
	p.batch(ctx, len(boxes), func(ctx context.Context, i int) {
		id := boxes[i].ID
		err := p.stopBox(ctx, id)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("failed to stop box", "box_id", id, "reason", reason, "error", err)
			failures = append(failures, fmt.Sprintf("%s %s: %v", reason, id, err))
			return
		}
		stopped++
		p.logger.Info("box stopped", "box_id", id, "reason", reason)
	})
	return stopped, failures
}

func (p *PoolManager) stopBox(ctx context.Context, id string) error {
	if err := p.vms.Stop(ctx, id); err != nil {
		return &VMError{Op: "stop", BoxID: id, Err: err}
	}
	if err := p.boxes.UpdateStatus(ctx, id, model.BoxStatusStopped); err != nil {
		return err
	}
	if err := p.vms.Tag(ctx, id, map[string]string{vm.TagStatus: string(model.BoxStatusStopped)}); err != nil {
		p.logger.Warn("failed to tag stopped box", "box_id", id, "error", err)
	}
	return nil
}

// batch runs n tasks with bounded concurrency and waits for all of them.
// Tasks report their own failures.
func (p *PoolManager) batch(ctx context.Context, n int, task func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			task(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}
