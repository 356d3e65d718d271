// Package provision turns a repo and branch into a working checkout on a
// box by running one shell command per step over SSH.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fslongjin/agentboxd/internal/logx"
	"github.com/fslongjin/agentboxd/internal/scripts"
	"github.com/fslongjin/agentboxd/internal/security"
	"github.com/fslongjin/agentboxd/internal/sshx"
	"github.com/fslongjin/agentboxd/pkg/model"
)

type Step string

const (
	StepPrepareRepo         Step = "prepareRepo"
	StepInstallDependencies Step = "installDependencies"
	StepBootDevcontainer    Step = "bootDevcontainer"
	StepInjectEnv           Step = "injectEnv"
)

// StepResult reports one step. Error is set only when OK is false.
type StepResult struct {
	Step       Step   `json:"step"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
}

// Target is the box a step runs against.
type Target struct {
	BoxID   string
	Network model.Network
	RepoURL string
	Branch  string
}

type Provisioner interface {
	PrepareRepo(ctx context.Context, target Target) StepResult
	InstallDependencies(ctx context.Context, target Target) StepResult
	BootDevcontainer(ctx context.Context, target Target) StepResult
	InjectEnv(ctx context.Context, target Target, encryptedPayload string) StepResult
}

// Remote runs steps on boxes through an sshx.Dialer. Each step uses its
// own connection.
type Remote struct {
	dialer    sshx.Dialer
	decrypter security.Decrypter
	repoPath  string
	now       func() time.Time
}

var _ Provisioner = (*Remote)(nil)

// NewRemote checks out repositories at repoPath on every box. decrypter may
// be nil when env injection is never requested.
func NewRemote(dialer sshx.Dialer, decrypter security.Decrypter, repoPath string) *Remote {
	return &Remote{
		dialer:    dialer,
		decrypter: decrypter,
		repoPath:  repoPath,
		now:       time.Now,
	}
}

func (r *Remote) PrepareRepo(ctx context.Context, target Target) StepResult {
	return r.run(ctx, target, StepPrepareRepo, scripts.PrepareRepoCommand(r.repoPath, target.RepoURL, target.Branch), "")
}

func (r *Remote) InstallDependencies(ctx context.Context, target Target) StepResult {
	return r.run(ctx, target, StepInstallDependencies, scripts.InstallDependenciesCommand(r.repoPath), "")
}

func (r *Remote) BootDevcontainer(ctx context.Context, target Target) StepResult {
	return r.run(ctx, target, StepBootDevcontainer, scripts.BootDevcontainerCommand(r.repoPath), "")
}

// InjectEnv decrypts the payload and streams it as a .env file to the box.
func (r *Remote) InjectEnv(ctx context.Context, target Target, encryptedPayload string) StepResult {
	start := r.now()
	if r.decrypter == nil {
		return r.failed(StepInjectEnv, start, "env encryption is not configured", 0)
	}
	env, err := security.DecryptEnv(r.decrypter, encryptedPayload)
	if err != nil {
		return r.failed(StepInjectEnv, start, err.Error(), 0)
	}
	return r.run(ctx, target, StepInjectEnv, scripts.InjectEnvCommand(r.repoPath), scripts.FormatDotenv(env))
}

func (r *Remote) run(ctx context.Context, target Target, step Step, command, stdin string) StepResult {
	start := r.now()
	logger := logx.ComponentLogger(ctx, "provisioner", "box_id", target.BoxID, "step", step)

	exec, err := r.dialer.Dial(ctx, target.Network)
	if err != nil {
		logger.Warn("provision step could not connect", "error", err)
		return r.failed(step, start, err.Error(), 0)
	}
	defer exec.Close()

	opts := sshx.ExecOptions{}
	if stdin != "" {
		opts.Stdin = strings.NewReader(stdin)
	}
	res, err := exec.Exec(ctx, command, opts)
	if err != nil {
		logger.Warn("provision step failed to run", "error", err)
		return r.failed(step, start, err.Error(), 0)
	}
	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = fmt.Sprintf("%s exited with code %d", step, res.ExitCode)
		}
		logger.Warn("provision step exited non-zero", "exit_code", res.ExitCode, "stderr", res.Stderr)
		return r.failed(step, start, msg, res.ExitCode)
	}

	result := StepResult{Step: step, OK: true, DurationMs: r.now().Sub(start).Milliseconds()}
	logger.Debug("provision step completed", "duration_ms", result.DurationMs)
	return result
}

func (r *Remote) failed(step Step, start time.Time, msg string, exitCode int) StepResult {
	return StepResult{
		Step:       step,
		OK:         false,
		DurationMs: r.now().Sub(start).Milliseconds(),
		Error:      msg,
		ExitCode:   exitCode,
	}
}

// StepFunc is one provisioning step bound to its target.
type StepFunc func(ctx context.Context) StepResult

// RunSteps runs steps in order and stops at the first failure. It returns
// the results gathered so far and the failing result, if any.
func RunSteps(ctx context.Context, steps ...StepFunc) ([]StepResult, *StepResult) {
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		res := step(ctx)
		results = append(results, res)
		if !res.OK {
			return results, &results[len(results)-1]
		}
	}
	return results, nil
}

// Standard returns the provisioning sequence for a box: repo, dependencies,
// devcontainer and, when a payload is given, env injection.
func Standard(p Provisioner, target Target, encryptedEnv string) []StepFunc {
	steps := []StepFunc{
		func(ctx context.Context) StepResult { return p.PrepareRepo(ctx, target) },
		func(ctx context.Context) StepResult { return p.InstallDependencies(ctx, target) },
		func(ctx context.Context) StepResult { return p.BootDevcontainer(ctx, target) },
	}
	if encryptedEnv != "" {
		steps = append(steps, func(ctx context.Context) StepResult { return p.InjectEnv(ctx, target, encryptedEnv) })
	}
	return steps
}

// LogStepResults logs one line per step.
func LogStepResults(logger *slog.Logger, results []StepResult) {
	for _, r := range results {
		logger.Info("provision step", "step", r.Step, "ok", r.OK, "duration_ms", r.DurationMs)
	}
}
