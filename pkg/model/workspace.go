package model

import "time"

type WorkspaceStatus string

const (
	WorkspaceStatusCreating WorkspaceStatus = "creating"
	WorkspaceStatusReady    WorkspaceStatus = "ready"
	WorkspaceStatusBusy     WorkspaceStatus = "busy"
	WorkspaceStatusError    WorkspaceStatus = "error"
	WorkspaceStatusDeleted  WorkspaceStatus = "deleted"
)

type WorkspaceMode string

const (
	WorkspaceModeRepo  WorkspaceMode = "repo"
	WorkspaceModeEmpty WorkspaceMode = "empty"
)

// WorkspaceRecord is a workspace directory on the fixed controller host.
type WorkspaceRecord struct {
	ID          string          `json:"id"`
	RepoURL     string          `json:"repoUrl,omitempty"`
	Branch      string          `json:"branch,omitempty"`
	Status      WorkspaceStatus `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastUsedAt  time.Time       `json:"lastUsedAt"`
	HostID      string          `json:"hostId"`
	Path        string          `json:"path"`
	EnvInjected bool            `json:"envInjected,omitempty"`
	Mode        WorkspaceMode   `json:"mode"`
}

// CommandResult is the captured output of a remote command.
type CommandResult struct {
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exitCode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
