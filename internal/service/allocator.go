package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fslongjin/agentboxd/internal/lifecycle"
	"github.com/fslongjin/agentboxd/internal/logx"
	"github.com/fslongjin/agentboxd/internal/provision"
	"github.com/fslongjin/agentboxd/internal/store"
	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

const (
	DefaultLeaseTTL = 30 * time.Minute

	provisioningMessage = "Provisioning in progress"
)

// AllocationRequest asks for a box on a repo and branch. PreferWarm and
// AsyncProvisioning default to true when nil.
type AllocationRequest struct {
	RepoURL           string `json:"repoUrl"`
	Branch            string `json:"branch"`
	RequestedBy       string `json:"requestedBy"`
	LeaseTTLSeconds   int    `json:"leaseTtlSeconds,omitempty"`
	PreferWarm        *bool  `json:"preferWarm,omitempty"`
	AsyncProvisioning *bool  `json:"asyncProvisioning,omitempty"`
	EncryptedEnv      string `json:"encryptedEnv,omitempty"`
}

type AllocationResult struct {
	BoxID   string          `json:"boxId"`
	Status  model.BoxStatus `json:"status"`
	Network model.Network   `json:"network"`
	Message string          `json:"message,omitempty"`
}

type PoolBoxRequest struct {
	RepoURL      string
	Branch       string
	EncryptedEnv string
}

// AllocatorService hands out boxes: a warm pooled one when available,
// otherwise a freshly created and provisioned one.
type AllocatorService struct {
	boxes       *store.BoxStore
	vms         vm.Manager
	provisioner provision.Provisioner
	drain       *lifecycle.DrainManager
	leaseTTL    time.Duration
	now         func() time.Time
}

type AllocatorOption func(*AllocatorService)

func WithDefaultLeaseTTL(ttl time.Duration) AllocatorOption {
	return func(a *AllocatorService) {
		if ttl > 0 {
			a.leaseTTL = ttl
		}
	}
}

// WithDrainManager tracks asynchronous provisioning so shutdown can wait
// for it, and refuses new requests once draining starts.
func WithDrainManager(drain *lifecycle.DrainManager) AllocatorOption {
	return func(a *AllocatorService) { a.drain = drain }
}

func WithAllocatorClock(now func() time.Time) AllocatorOption {
	return func(a *AllocatorService) { a.now = now }
}

func NewAllocatorService(boxes *store.BoxStore, vms vm.Manager, provisioner provision.Provisioner, opts ...AllocatorOption) *AllocatorService {
	a := &AllocatorService{
		boxes:       boxes,
		vms:         vms,
		provisioner: provisioner,
		leaseTTL:    DefaultLeaseTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestBox leases a warm box or creates a new one. A lost race for the
// warm box falls through to cold creation without searching again.
func (a *AllocatorService) RequestBox(ctx context.Context, req *AllocationRequest) (*AllocationResult, error) {
	if err := validateAllocation(req); err != nil {
		return nil, err
	}
	if a.drain != nil && a.drain.IsDraining() {
		return nil, ErrDraining
	}
	ctx = logx.EnsureRequestID(ctx)
	logger := logx.ComponentLogger(ctx, "allocator", "repo_url", req.RepoURL, "branch", req.Branch)

	ttl := a.leaseTTL
	if req.LeaseTTLSeconds > 0 {
		ttl = time.Duration(req.LeaseTTLSeconds) * time.Second
	}

	if boolOr(req.PreferWarm, true) {
		res, err := a.leaseWarm(ctx, req, ttl)
		if err != nil {
			return nil, err
		}
		if res != nil {
			logger.Info("leased warm box", "box_id", res.BoxID, "requested_by", req.RequestedBy)
			return res, nil
		}
	}

	box, err := a.createBox(ctx, req.RepoURL, req.Branch, false, req.RequestedBy, ttl)
	if err != nil {
		return nil, err
	}
	logger = logger.With("box_id", box.ID)

	if boolOr(req.AsyncProvisioning, true) {
		a.provisionDetached(ctx, box, req.EncryptedEnv)
		logger.Info("box created, provisioning in background")
		return &AllocationResult{
			BoxID:   box.ID,
			Status:  model.BoxStatusCreating,
			Network: box.Network,
			Message: provisioningMessage,
		}, nil
	}

	if err := a.provisionBox(ctx, box, req.EncryptedEnv); err != nil {
		return nil, err
	}
	logger.Info("box provisioned")
	return &AllocationResult{BoxID: box.ID, Status: model.BoxStatusReady, Network: box.Network}, nil
}

func (a *AllocatorService) leaseWarm(ctx context.Context, req *AllocationRequest, ttl time.Duration) (*AllocationResult, error) {
	logger := logx.ComponentLogger(ctx, "allocator")

	box, err := a.boxes.FindAvailable(ctx, store.RepoQuery{RepoURL: req.RepoURL, Branch: req.Branch})
	if err != nil {
		return nil, fmt.Errorf("failed to find warm box: %w", err)
	}
	if box == nil {
		return nil, nil
	}
	ok, err := a.boxes.Lease(ctx, box.ID, req.RequestedBy, ttlSeconds(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to lease box %s: %w", box.ID, err)
	}
	if !ok {
		logger.Info("warm lease lost to another requester, creating a new box", "box_id", box.ID)
		return nil, nil
	}
	return &AllocationResult{BoxID: box.ID, Status: model.BoxStatusBusy, Network: box.Network}, nil
}

// CreatePoolBox creates and provisions a standby box, then releases it so it
// is immediately leasable.
func (a *AllocatorService) CreatePoolBox(ctx context.Context, req PoolBoxRequest) (*model.AgentBox, error) {
	box, err := a.createBox(ctx, req.RepoURL, req.Branch, true, "", 0)
	if err != nil {
		return nil, err
	}
	if err := a.provisionBox(ctx, box, req.EncryptedEnv); err != nil {
		return nil, err
	}
	if err := a.boxes.Release(ctx, box.ID); err != nil {
		return nil, fmt.Errorf("failed to release pool box %s: %w", box.ID, err)
	}
	released, err := a.boxes.GetByID(ctx, box.ID)
	if err != nil {
		return nil, err
	}
	if released == nil {
		return nil, notFound("box", box.ID)
	}
	return released, nil
}

func (a *AllocatorService) createBox(ctx context.Context, repoURL, branch string, pool bool, requestedBy string, ttl time.Duration) (*model.AgentBox, error) {
	created, err := a.vms.Create(ctx, vm.CreateRequest{
		RepoURL: repoURL,
		Branch:  branch,
		Tags: map[string]string{
			vm.TagRepo:         repoURL,
			vm.TagBranch:       branch,
			vm.TagPoolInstance: strconv.FormatBool(pool),
			vm.TagStatus:       string(model.BoxStatusCreating),
		},
	})
	if err != nil {
		return nil, &VMError{Op: "create", Err: err}
	}

	now := a.now()
	box := &model.AgentBox{
		ID:          created.ID,
		Status:      model.BoxStatusCreating,
		RepoContext: model.RepoContext{URL: repoURL, Branch: branch},
		Network:     created.Network,
		Meta: model.BoxMeta{
			CreatedAt:      now,
			LastHeartbeat:  now,
			IsPoolInstance: pool,
		},
	}
	if requestedBy != "" {
		expires := now.Add(ttl)
		box.AssignedTo = requestedBy
		box.LeaseExpiresAt = &expires
	}

	if err := a.boxes.Save(ctx, box); err != nil {
		if delErr := a.vms.Delete(ctx, box.ID); delErr != nil {
			logx.ComponentLogger(ctx, "allocator", "box_id", box.ID).Error("failed to delete vm after save failure", "error", delErr)
		}
		return nil, fmt.Errorf("failed to persist box %s: %w", box.ID, err)
	}
	return box, nil
}

// provisionBox runs the standard steps. On failure the box is marked error
// and its VM deleted.
func (a *AllocatorService) provisionBox(ctx context.Context, box *model.AgentBox, encryptedEnv string) error {
	logger := logx.ComponentLogger(ctx, "allocator", "box_id", box.ID)
	target := provision.Target{
		BoxID:   box.ID,
		Network: box.Network,
		RepoURL: box.RepoContext.URL,
		Branch:  box.RepoContext.Branch,
	}

	results, failed := provision.RunSteps(ctx, provision.Standard(a.provisioner, target, encryptedEnv)...)
	provision.LogStepResults(logger, results)
	if failed != nil {
		// A step may have failed because ctx ended; cleanup must still run.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := a.boxes.UpdateStatus(cleanupCtx, box.ID, model.BoxStatusError); err != nil {
			logger.Error("failed to mark box as error", "error", err)
		}
		if err := a.vms.Delete(cleanupCtx, box.ID); err != nil {
			logger.Error("failed to delete vm of failed box", "error", err)
		}
		return &ProvisioningError{Step: string(failed.Step), Stderr: failed.Error, ExitCode: failed.ExitCode}
	}

	if err := a.boxes.UpdateStatus(ctx, box.ID, model.BoxStatusReady); err != nil {
		return fmt.Errorf("failed to mark box %s ready: %w", box.ID, err)
	}
	box.Status = model.BoxStatusReady
	return nil
}

// provisionDetached provisions in a goroutine that outlives the request. The
// outcome is only observable through the store.
func (a *AllocatorService) provisionDetached(ctx context.Context, box *model.AgentBox, encryptedEnv string) {
	bgCtx := logx.Detach(ctx)
	done := func() {}
	if a.drain != nil {
		done = a.drain.TrackTask()
	}
	go func() {
		defer done()
		logger := logx.ComponentLogger(bgCtx, "allocator", "box_id", box.ID)
		if err := a.provisionBox(bgCtx, box, encryptedEnv); err != nil {
			logger.Error("background provisioning failed", "error", err)
			return
		}
		logger.Info("background provisioning completed")
	}()
}

// LeaseBox leases a known box.
func (a *AllocatorService) LeaseBox(ctx context.Context, id, requestedBy string, ttl time.Duration) (*model.AgentBox, error) {
	if strings.TrimSpace(requestedBy) == "" {
		return nil, invalid("requestedBy is required")
	}
	if ttl <= 0 {
		ttl = a.leaseTTL
	}
	if _, err := a.GetBox(ctx, id); err != nil {
		return nil, err
	}
	ok, err := a.boxes.Lease(ctx, id, requestedBy, ttlSeconds(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to lease box %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("box %s: %w", id, ErrLeaseUnavailable)
	}
	return a.GetBox(ctx, id)
}

func (a *AllocatorService) ReleaseBox(ctx context.Context, id string) error {
	if _, err := a.GetBox(ctx, id); err != nil {
		return err
	}
	if err := a.boxes.Release(ctx, id); err != nil {
		return fmt.Errorf("failed to release box %s: %w", id, err)
	}
	return nil
}

// GetBox is how callers poll a box created asynchronously.
func (a *AllocatorService) GetBox(ctx context.Context, id string) (*model.AgentBox, error) {
	box, err := a.boxes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, notFound("box", id)
	}
	return box, nil
}

// ListBoxes returns the boxes serving a repository branch, most recently
// used first.
func (a *AllocatorService) ListBoxes(ctx context.Context, repoURL, branch string) ([]model.AgentBox, error) {
	if strings.TrimSpace(repoURL) == "" || strings.TrimSpace(branch) == "" {
		return nil, invalid("repoUrl and branch are required")
	}
	return a.boxes.ListByRepo(ctx, store.RepoQuery{RepoURL: repoURL, Branch: branch})
}

func validateAllocation(req *AllocationRequest) error {
	if req == nil {
		return invalid("request is required")
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		return invalid("repoUrl is required")
	}
	if strings.TrimSpace(req.Branch) == "" {
		return invalid("branch is required")
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return invalid("requestedBy is required")
	}
	if req.LeaseTTLSeconds < 0 {
		return invalid("leaseTtlSeconds must be >= 0")
	}
	return nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func ttlSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
