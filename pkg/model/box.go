package model

import "time"

type BoxStatus string

const (
	BoxStatusCreating BoxStatus = "creating"
	BoxStatusReady    BoxStatus = "ready"
	BoxStatusBusy     BoxStatus = "busy"
	BoxStatusStopped  BoxStatus = "stopped"
	BoxStatusError    BoxStatus = "error"
)

// RepoContext is the workload a box currently serves.
type RepoContext struct {
	URL        string `json:"url"`
	Branch     string `json:"branch"`
	CommitHash string `json:"commitHash,omitempty"`
}

// Network tells callers where to reach a box.
type Network struct {
	PublicIP string `json:"publicIp"`
	SSHPort  int    `json:"sshPort"`
}

type BoxMeta struct {
	CreatedAt      time.Time  `json:"createdAt"`
	LastHeartbeat  time.Time  `json:"lastHeartbeat"`
	LastUsed       *time.Time `json:"lastUsed,omitempty"`
	IsPoolInstance bool       `json:"isPoolInstance"`
}

// AgentBox is a leasable, poolable execution environment backed by one VM.
// The box id is the id the VM manager assigned to the VM.
type AgentBox struct {
	ID             string      `json:"id"`
	Status         BoxStatus   `json:"status"`
	AssignedTo     string      `json:"assignedTo,omitempty"`
	LeaseExpiresAt *time.Time  `json:"leaseExpiresAt,omitempty"`
	RepoContext    RepoContext `json:"repoContext"`
	Network        Network     `json:"network"`
	Meta           BoxMeta     `json:"meta"`
}

// HasValidLease reports whether the box is held by someone at now.
func (b *AgentBox) HasValidLease(now time.Time) bool {
	return b.LeaseExpiresAt != nil && b.LeaseExpiresAt.After(now)
}

// EffectiveStatus is the status callers should act on. A busy box whose
// lease has lapsed is reclaimable and reported as ready until a store
// mutation reconciles the stored status.
func (b *AgentBox) EffectiveStatus(now time.Time) BoxStatus {
	if b.Status == BoxStatusBusy && !b.HasValidLease(now) {
		return BoxStatusReady
	}
	return b.Status
}

// LastActivity returns lastUsed, falling back to the creation time.
func (b *AgentBox) LastActivity() time.Time {
	if b.Meta.LastUsed != nil {
		return *b.Meta.LastUsed
	}
	return b.Meta.CreatedAt
}

// ClearLease drops the lease holder and expiry.
func (b *AgentBox) ClearLease() {
	b.AssignedTo = ""
	b.LeaseExpiresAt = nil
}

// Touch bumps lastUsed and the heartbeat to now.
func (b *AgentBox) Touch(now time.Time) {
	t := now
	b.Meta.LastUsed = &t
	b.Meta.LastHeartbeat = now
}
