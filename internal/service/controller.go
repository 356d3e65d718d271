package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fslongjin/agentboxd/internal/jobspec"
	"github.com/fslongjin/agentboxd/internal/logx"
	"github.com/fslongjin/agentboxd/internal/scripts"
	"github.com/fslongjin/agentboxd/internal/security"
	"github.com/fslongjin/agentboxd/internal/store"
	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

type ControllerConfig struct {
	HostID              string
	WorkspaceRoot       string
	AllowEmptyWorkspace bool
}

// WorkspaceRequest describes a workspace to provision. Without a RepoURL
// the workspace is empty, which must be allowed by the request or the
// controller config. Env and the decrypted EncryptedEnv are merged over the
// job spec's env, later sources winning.
type WorkspaceRequest struct {
	RepoURL             string            `json:"repoUrl,omitempty"`
	Branch              string            `json:"branch,omitempty"`
	JobSpec             *jobspec.Spec     `json:"jobSpec,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	EncryptedEnv        string            `json:"encryptedEnv,omitempty"`
	AllowEmptyWorkspace bool              `json:"allowEmptyWorkspace,omitempty"`
}

// CodeAgentController manages workspaces on one fixed host.
type CodeAgentController struct {
	cfg        ControllerConfig
	vms        vm.Manager
	runner     vm.CommandRunner
	workspaces *store.WorkspaceStore
	decrypter  security.Decrypter
	now        func() time.Time
	newID      func() string
}

// NewCodeAgentController wires a controller. decrypter may be nil when
// requests never carry an encrypted env.
func NewCodeAgentController(cfg ControllerConfig, vms vm.Manager, runner vm.CommandRunner, workspaces *store.WorkspaceStore, decrypter security.Decrypter) *CodeAgentController {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "/home/agent/workspaces"
	}
	return &CodeAgentController{
		cfg:        cfg,
		vms:        vms,
		runner:     runner,
		workspaces: workspaces,
		decrypter:  decrypter,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return "ws-" + uuid.NewString() },
	}
}

// ProvisionWorkspace validates the request, makes sure the host is up and
// bootstrapped, then lays down the workspace. Nothing is persisted unless
// the provisioning script succeeds.
func (c *CodeAgentController) ProvisionWorkspace(ctx context.Context, req *WorkspaceRequest) (*model.WorkspaceRecord, error) {
	if req == nil {
		return nil, invalid("request is required")
	}
	mode := model.WorkspaceModeRepo
	if strings.TrimSpace(req.RepoURL) == "" {
		if !req.AllowEmptyWorkspace && !c.cfg.AllowEmptyWorkspace {
			return nil, ErrEmptyWorkspaceNotAllowed
		}
		mode = model.WorkspaceModeEmpty
	}
	if req.JobSpec != nil {
		if err := req.JobSpec.Validate(); err != nil {
			return nil, err
		}
	}
	env, err := c.mergeEnv(req)
	if err != nil {
		return nil, err
	}

	id := c.newID()
	logger := logx.ComponentLogger(ctx, "workspace_controller", "workspace_id", id, "host_id", c.cfg.HostID)
	wsPath := path.Join(c.cfg.WorkspaceRoot, id)
	lines, err := scripts.ProvisionScript(scripts.ProvisionInput{
		WorkspacePath: wsPath,
		RepoURL:       req.RepoURL,
		Branch:        req.Branch,
		Spec:          req.JobSpec,
		Env:           env,
	})
	if err != nil {
		return nil, invalid("%v", err)
	}

	if err := c.ensureHost(ctx); err != nil {
		return nil, err
	}

	res, err := c.runner.RunCommand(ctx, c.cfg.HostID, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to run provision script: %w", err)
	}
	if res.ExitCode != 0 {
		logger.Warn("workspace provisioning failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
		return nil, &ProvisioningError{Step: "provision", Stderr: res.Stderr, ExitCode: res.ExitCode}
	}

	now := c.now()
	rec := &model.WorkspaceRecord{
		ID:          id,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		Status:      model.WorkspaceStatusReady,
		CreatedAt:   now,
		LastUsedAt:  now,
		HostID:      c.cfg.HostID,
		Path:        wsPath,
		EnvInjected: len(env) > 0,
		Mode:        mode,
	}
	if err := c.workspaces.Save(ctx, rec); err != nil {
		return nil, err
	}
	logger.Info("workspace provisioned", "mode", mode, "repo_url", req.RepoURL, "branch", req.Branch)
	return rec, nil
}

func (c *CodeAgentController) mergeEnv(req *WorkspaceRequest) (map[string]string, error) {
	env := map[string]string{}
	if req.JobSpec != nil {
		maps.Copy(env, req.JobSpec.Env)
	}
	maps.Copy(env, req.Env)
	if req.EncryptedEnv != "" {
		if c.decrypter == nil {
			return nil, fmt.Errorf("%w: env encryption is not configured", jobspec.ErrInvalidEnv)
		}
		decrypted, err := security.DecryptEnv(c.decrypter, req.EncryptedEnv)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", jobspec.ErrInvalidEnv, err)
		}
		maps.Copy(env, decrypted)
	}
	if err := jobspec.ValidateEnvKeys(env); err != nil {
		return nil, err
	}
	return env, nil
}

// ensureHost powers the host on when needed and runs the bootstrap script.
func (c *CodeAgentController) ensureHost(ctx context.Context) error {
	status, err := c.vms.GetStatus(ctx, c.cfg.HostID)
	if err != nil {
		return &VMError{Op: "get_status", BoxID: c.cfg.HostID, Err: err}
	}
	switch status {
	case vm.StatusError:
		return &VMError{Op: "get_status", BoxID: c.cfg.HostID, Err: errors.New("host is in error state")}
	case vm.StatusStopped:
		if err := c.vms.Start(ctx, c.cfg.HostID); err != nil {
			return &VMError{Op: "start", BoxID: c.cfg.HostID, Err: err}
		}
	}

	res, err := c.runner.RunCommand(ctx, c.cfg.HostID, scripts.BootstrapScript())
	if err != nil {
		return fmt.Errorf("failed to bootstrap host %s: %w", c.cfg.HostID, err)
	}
	if res.ExitCode != 0 {
		return &ProvisioningError{Step: "bootstrap", Stderr: res.Stderr, ExitCode: res.ExitCode}
	}
	return nil
}

// ExecuteCommand runs command in the workspace. A non-zero exit returns the
// captured result together with an *ExecutionError and leaves the record
// unchanged.
func (c *CodeAgentController) ExecuteCommand(ctx context.Context, workspaceID, command string) (*model.CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, invalid("command is required")
	}
	rec, err := c.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	lines, err := scripts.ExecuteScript(rec.Path, command)
	if err != nil {
		return nil, invalid("%v", err)
	}

	res, err := c.runner.RunCommand(ctx, rec.HostID, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to run command in workspace %s: %w", workspaceID, err)
	}
	out := &model.CommandResult{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.ExitCode != 0 {
		return out, &ExecutionError{WorkspaceID: workspaceID, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	updated, err := c.workspaces.Update(ctx, workspaceID, func(rec *model.WorkspaceRecord) {
		rec.Status = model.WorkspaceStatusBusy
		rec.LastUsedAt = c.now()
	})
	if err != nil {
		return out, err
	}
	if updated == nil {
		return out, notFound("workspace", workspaceID)
	}
	return out, nil
}

// TeardownWorkspace removes the workspace directory and then the record. If
// the remote delete fails the record is kept so the call can be retried.
func (c *CodeAgentController) TeardownWorkspace(ctx context.Context, workspaceID string) error {
	rec, err := c.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	lines, err := scripts.TeardownScript(rec.Path)
	if err != nil {
		return invalid("%v", err)
	}
	res, err := c.runner.RunCommand(ctx, rec.HostID, lines)
	if err != nil {
		return fmt.Errorf("failed to tear down workspace %s: %w", workspaceID, err)
	}
	if res.ExitCode != 0 {
		return &ExecutionError{WorkspaceID: workspaceID, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	if err := c.workspaces.Delete(ctx, workspaceID); err != nil {
		return err
	}
	logx.ComponentLogger(ctx, "workspace_controller").Info("workspace torn down", "workspace_id", workspaceID)
	return nil
}

func (c *CodeAgentController) GetWorkspace(ctx context.Context, workspaceID string) (*model.WorkspaceRecord, error) {
	rec, err := c.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound("workspace", workspaceID)
	}
	return rec, nil
}

// ListWorkspaces returns the workspaces on the controller's host, newest first.
func (c *CodeAgentController) ListWorkspaces(ctx context.Context) ([]model.WorkspaceRecord, error) {
	return c.workspaces.ListByHost(ctx, c.cfg.HostID, 0)
}
