package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fslongjin/agentboxd/internal/jobspec"
	"github.com/fslongjin/agentboxd/internal/kv"
	"github.com/fslongjin/agentboxd/internal/security"
	"github.com/fslongjin/agentboxd/internal/store"
	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

const hostID = "host-1"

type controllerFixture struct {
	vms        *fakeVMs
	runner     *fakeRunner
	workspaces *store.WorkspaceStore
	cipher     *security.EnvCipher
	ctrl       *CodeAgentController
}

func newControllerFixture(t *testing.T, allowEmpty bool) *controllerFixture {
	t.Helper()
	cipher, err := security.NewEnvCipher("0123456789abcdef0123456789abcdef", "")
	require.NoError(t, err)

	f := &controllerFixture{
		vms:        newFakeVMs(),
		runner:     newFakeRunner(),
		workspaces: store.NewWorkspaceStore(kv.NewMemory(), ""),
		cipher:     cipher,
	}
	f.vms.status[hostID] = vm.StatusRunning
	f.ctrl = NewCodeAgentController(ControllerConfig{
		HostID:              hostID,
		WorkspaceRoot:       "/srv/ws",
		AllowEmptyWorkspace: allowEmpty,
	}, f.vms, f.runner, f.workspaces, cipher)
	f.ctrl.newID = func() string { return "ws-1" }
	return f
}

var nodeSpec = &jobspec.Spec{Runtime: jobspec.Runtime{Node: "20", Pnpm: "8.15.4"}, Env: map[string]string{"NODE_ENV": "test"}}

func TestProvisionWorkspace(t *testing.T) {
	f := newControllerFixture(t, false)
	payload, err := f.cipher.EncryptEnv(map[string]string{"API_KEY": "s3cret", "NODE_ENV": "ci"})
	require.NoError(t, err)

	rec, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{
		RepoURL:      "https://github.com/acme/api.git",
		Branch:       "main",
		JobSpec:      nodeSpec,
		EncryptedEnv: payload,
	})
	require.NoError(t, err)

	assert.Equal(t, "ws-1", rec.ID)
	assert.Equal(t, model.WorkspaceStatusReady, rec.Status)
	assert.Equal(t, model.WorkspaceModeRepo, rec.Mode)
	assert.Equal(t, "/srv/ws/ws-1", rec.Path)
	assert.True(t, rec.EnvInjected)

	require.Equal(t, 2, f.runner.count())
	assert.Contains(t, strings.Join(f.runner.scripts[0], "\n"), "for pkg in git curl jq unzip")
	provisionScript := strings.Join(f.runner.last(), "\n")
	assert.Contains(t, provisionScript, "git clone --branch 'main'")
	assert.Contains(t, provisionScript, "API_KEY=s3cret\nNODE_ENV=ci\n")

	stored, err := f.ctrl.GetWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Path, stored.Path)
}

func TestProvisionWorkspaceStartsStoppedHost(t *testing.T) {
	f := newControllerFixture(t, false)
	f.vms.status[hostID] = vm.StatusStopped

	_, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{RepoURL: "repo", Branch: "main", JobSpec: nodeSpec})
	require.NoError(t, err)
	assert.Equal(t, []string{hostID}, f.vms.started)
}

func TestProvisionWorkspaceRejectsInvalidInputBeforeRemoteCalls(t *testing.T) {
	f := newControllerFixture(t, false)

	_, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{
		RepoURL: "repo",
		Branch:  "main",
		JobSpec: &jobspec.Spec{Runtime: jobspec.Runtime{Pnpm: "8.15.4"}},
	})
	require.ErrorIs(t, err, jobspec.ErrInvalidJobSpec)

	_, err = f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{
		RepoURL: "repo",
		JobSpec: nodeSpec,
		Env:     map[string]string{"BAD-KEY": "x"},
	})
	require.ErrorIs(t, err, jobspec.ErrInvalidEnv)

	_, err = f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{RepoURL: "repo", EncryptedEnv: "not-a-payload"})
	require.ErrorIs(t, err, jobspec.ErrInvalidEnv)

	_, err = f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{JobSpec: nodeSpec})
	require.ErrorIs(t, err, ErrEmptyWorkspaceNotAllowed)

	assert.Equal(t, 0, f.runner.count())
}

func TestProvisionEmptyWorkspace(t *testing.T) {
	f := newControllerFixture(t, false)
	rec, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{AllowEmptyWorkspace: true})
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceModeEmpty, rec.Mode)
	assert.False(t, rec.EnvInjected)
	assert.NotContains(t, strings.Join(f.runner.last(), "\n"), "git clone")

	f = newControllerFixture(t, true)
	rec, err = f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceModeEmpty, rec.Mode)
}

func TestProvisionWorkspaceFailurePersistsNothing(t *testing.T) {
	f := newControllerFixture(t, false)
	f.runner.on("git clone", &vm.CommandResult{ExitCode: 128, Stderr: "fatal: could not read Username"})

	_, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{RepoURL: "repo", Branch: "main", JobSpec: nodeSpec})
	require.ErrorIs(t, err, ErrProvisioningFailed)
	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 128, perr.ExitCode)

	_, err = f.ctrl.GetWorkspace(context.Background(), "ws-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProvisionWorkspaceHostFailures(t *testing.T) {
	f := newControllerFixture(t, false)
	f.vms.status[hostID] = vm.StatusError
	_, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{RepoURL: "repo", JobSpec: nodeSpec})
	require.ErrorIs(t, err, ErrVMManager)

	f = newControllerFixture(t, false)
	f.runner.on("for pkg in git curl jq unzip", &vm.CommandResult{ExitCode: 100, Stderr: "apt lock"})
	_, err = f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{RepoURL: "repo", JobSpec: nodeSpec})
	var perr *ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "bootstrap", perr.Step)
	assert.Equal(t, 1, f.runner.count())
}

func TestExecuteCommand(t *testing.T) {
	f := newControllerFixture(t, false)
	ctx := context.Background()
	_, err := f.ctrl.ProvisionWorkspace(ctx, &WorkspaceRequest{RepoURL: "repo", Branch: "main", JobSpec: nodeSpec})
	require.NoError(t, err)

	f.runner.on("pnpm test", &vm.CommandResult{Stdout: "42 passing"})
	res, err := f.ctrl.ExecuteCommand(ctx, "ws-1", "pnpm test")
	require.NoError(t, err)
	assert.Equal(t, "42 passing", res.Stdout)

	script := f.runner.last()
	assert.Equal(t, "pnpm test", script[len(script)-1])
	assert.Contains(t, strings.Join(script, "\n"), ". ./.env")

	rec, err := f.ctrl.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceStatusBusy, rec.Status)
}

func TestExecuteCommandFailureLeavesRecord(t *testing.T) {
	f := newControllerFixture(t, false)
	ctx := context.Background()
	before, err := f.ctrl.ProvisionWorkspace(ctx, &WorkspaceRequest{RepoURL: "repo", Branch: "main", JobSpec: nodeSpec})
	require.NoError(t, err)

	f.runner.on("pnpm lint", &vm.CommandResult{ExitCode: 2, Stderr: "lint errors"})
	res, err := f.ctrl.ExecuteCommand(ctx, "ws-1", "pnpm lint")
	require.ErrorIs(t, err, ErrExecutionFailed)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.ExitCode)

	after, err := f.ctrl.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, before.LastUsedAt.Equal(after.LastUsedAt))

	_, err = f.ctrl.ExecuteCommand(ctx, "missing", "ls")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.ctrl.ExecuteCommand(ctx, "ws-1", "  ")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExecuteCommandDoesNotResurrectTornDownWorkspace(t *testing.T) {
	f := newControllerFixture(t, false)
	ctx := context.Background()
	_, err := f.ctrl.ProvisionWorkspace(ctx, &WorkspaceRequest{RepoURL: "repo", Branch: "main", JobSpec: nodeSpec})
	require.NoError(t, err)

	f.runner.onRun = func(script []string) {
		if script[len(script)-1] == "sleep 30" {
			require.NoError(t, f.workspaces.Delete(ctx, "ws-1"))
		}
	}
	res, err := f.ctrl.ExecuteCommand(ctx, "ws-1", "sleep 30")
	require.ErrorIs(t, err, ErrNotFound)
	require.NotNil(t, res)

	rec, err := f.workspaces.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	listed, err := f.workspaces.ListByHost(ctx, hostID, 0)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestTeardownWorkspace(t *testing.T) {
	f := newControllerFixture(t, false)
	ctx := context.Background()
	_, err := f.ctrl.ProvisionWorkspace(ctx, &WorkspaceRequest{RepoURL: "repo", Branch: "main", JobSpec: nodeSpec})
	require.NoError(t, err)

	f.runner.on("rm -rf '/srv/ws/ws-1'", &vm.CommandResult{ExitCode: 1, Stderr: "permission denied"})

	err = f.ctrl.TeardownWorkspace(ctx, "ws-1")
	require.ErrorIs(t, err, ErrExecutionFailed)
	_, err = f.ctrl.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err, "record must survive a failed teardown")

	f.runner.on("rm -rf '/srv/ws/ws-1'", &vm.CommandResult{})
	require.NoError(t, f.ctrl.TeardownWorkspace(ctx, "ws-1"))
	_, err = f.ctrl.GetWorkspace(ctx, "ws-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, f.ctrl.TeardownWorkspace(ctx, "ws-1"), ErrNotFound)
}

func TestListWorkspaces(t *testing.T) {
	f := newControllerFixture(t, true)
	ids := []string{"ws-a", "ws-b"}
	for _, id := range ids {
		f.ctrl.newID = func() string { return id }
		_, err := f.ctrl.ProvisionWorkspace(context.Background(), &WorkspaceRequest{})
		require.NoError(t, err)
	}
	list, err := f.ctrl.ListWorkspaces(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
