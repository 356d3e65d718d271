// Package vm defines the contracts the controller consumes from whatever
// backs a box: a cloud VM API, a Kubernetes cluster, or a fixed host.
package vm

import (
	"context"
	"time"

	"github.com/fslongjin/agentboxd/pkg/model"
)

type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Tag keys written on every box VM.
const (
	TagRepo         = "repo"
	TagBranch       = "branch"
	TagPoolInstance = "pool_instance"
	TagStatus       = "status"
)

type CreateRequest struct {
	RepoURL string
	Branch  string
	Tags    map[string]string
}

type CreateResult struct {
	ID      string
	Network model.Network
}

// Manager controls the lifecycle of box VMs.
type Manager interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (Status, error)
	Tag(ctx context.Context, id string, tags map[string]string) error
	GetIP(ctx context.Context, id string) (model.Network, error)
}

type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// CommandRunner runs a script, one line per element, on a host and captures
// its output. A non-zero exit code is reported in the result, not as an error.
type CommandRunner interface {
	RunCommand(ctx context.Context, hostID string, script []string) (*CommandResult, error)
}
