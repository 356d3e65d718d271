package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fslongjin/agentboxd/internal/kv"
	"github.com/fslongjin/agentboxd/internal/provision"
	"github.com/fslongjin/agentboxd/internal/store"
	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeVMs struct {
	mu        sync.Mutex
	next      int
	creates   []vm.CreateRequest
	started   []string
	stopped   []string
	deleted   []string
	tags      map[string]map[string]string
	status    map[string]vm.Status
	createErr error
	stopErr   map[string]error
	// strictCtx makes Delete fail like a real cloud client once ctx is done.
	strictCtx bool
}

func newFakeVMs() *fakeVMs {
	return &fakeVMs{
		tags:    map[string]map[string]string{},
		status:  map[string]vm.Status{},
		stopErr: map[string]error{},
	}
}

func (f *fakeVMs) Create(ctx context.Context, req vm.CreateRequest) (*vm.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	id := fmt.Sprintf("vm-%d", f.next)
	f.tags[id] = req.Tags
	f.status[id] = vm.StatusRunning
	return &vm.CreateResult{ID: id, Network: model.Network{PublicIP: fmt.Sprintf("10.0.0.%d", f.next), SSHPort: 22}}, nil
}

func (f *fakeVMs) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	f.status[id] = vm.StatusRunning
	return nil
}

func (f *fakeVMs) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopErr[id]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, id)
	f.status[id] = vm.StatusStopped
	return nil
}

func (f *fakeVMs) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.strictCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	f.deleted = append(f.deleted, id)
	delete(f.status, id)
	return nil
}

func (f *fakeVMs) GetStatus(ctx context.Context, id string) (vm.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return "", errors.New("vm not found")
	}
	return s, nil
}

func (f *fakeVMs) Tag(ctx context.Context, id string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags[id] == nil {
		f.tags[id] = map[string]string{}
	}
	for k, v := range tags {
		f.tags[id][k] = v
	}
	return nil
}

func (f *fakeVMs) GetIP(ctx context.Context, id string) (model.Network, error) {
	return model.Network{PublicIP: "10.0.0.1", SSHPort: 22}, nil
}

func (f *fakeVMs) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeVMs) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeVMs) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeProvisioner struct {
	mu     sync.Mutex
	calls  []provision.Step
	failAt provision.Step
	block  chan struct{}
	onStep func(provision.Step)
}

func (p *fakeProvisioner) step(s provision.Step) provision.StepResult {
	if p.block != nil {
		<-p.block
	}
	if p.onStep != nil {
		p.onStep(s)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, s)
	if s == p.failAt {
		return provision.StepResult{Step: s, Error: "npm ERR! code ERESOLVE", ExitCode: 1}
	}
	return provision.StepResult{Step: s, OK: true}
}

func (p *fakeProvisioner) PrepareRepo(context.Context, provision.Target) provision.StepResult {
	return p.step(provision.StepPrepareRepo)
}

func (p *fakeProvisioner) InstallDependencies(context.Context, provision.Target) provision.StepResult {
	return p.step(provision.StepInstallDependencies)
}

func (p *fakeProvisioner) BootDevcontainer(context.Context, provision.Target) provision.StepResult {
	return p.step(provision.StepBootDevcontainer)
}

func (p *fakeProvisioner) InjectEnv(context.Context, provision.Target, string) provision.StepResult {
	return p.step(provision.StepInjectEnv)
}

func (p *fakeProvisioner) stepCalls() []provision.Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provision.Step(nil), p.calls...)
}

// fakeRunner answers scripts by matching a substring of the joined script.
type fakeRunner struct {
	mu      sync.Mutex
	scripts [][]string
	results map[string]*vm.CommandResult
	err     error
	onRun   func(script []string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]*vm.CommandResult{}}
}

func (r *fakeRunner) on(substr string, res *vm.CommandResult) {
	r.mu.Lock()
	r.results[substr] = res
	r.mu.Unlock()
}

func (r *fakeRunner) RunCommand(ctx context.Context, hostID string, script []string) (*vm.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, script)
	if r.onRun != nil {
		r.onRun(script)
	}
	if r.err != nil {
		return nil, r.err
	}
	joined := strings.Join(script, "\n")
	for substr, res := range r.results {
		if strings.Contains(joined, substr) {
			return res, nil
		}
	}
	return &vm.CommandResult{ExitCode: 0}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scripts)
}

func (r *fakeRunner) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scripts[len(r.scripts)-1]
}

func newBoxStore(t *testing.T, clock *testClock) *store.BoxStore {
	t.Helper()
	return store.NewBoxStore(kv.NewMemory(), store.WithClock(clock.Now))
}

func seedBox(t *testing.T, boxes *store.BoxStore, id string, status model.BoxStatus, lastUsed time.Time, pool bool) {
	t.Helper()
	used := lastUsed
	box := &model.AgentBox{
		ID:          id,
		Status:      status,
		RepoContext: model.RepoContext{URL: "repo", Branch: "main"},
		Network:     model.Network{PublicIP: "10.1.0.1", SSHPort: 22},
		Meta: model.BoxMeta{
			CreatedAt:      lastUsed.Add(-time.Hour),
			LastHeartbeat:  lastUsed,
			LastUsed:       &used,
			IsPoolInstance: pool,
		},
	}
	if status == model.BoxStatusBusy {
		expires := lastUsed.Add(24 * time.Hour)
		box.AssignedTo = "someone"
		box.LeaseExpiresAt = &expires
	}
	if err := boxes.Save(context.Background(), box); err != nil {
		t.Fatalf("seed box %s: %v", id, err)
	}
}

func boolPtr(v bool) *bool { return &v }
