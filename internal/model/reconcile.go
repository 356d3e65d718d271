package model

import "time"

const (
	ReconcileStatusRunning   = "running"
	ReconcileStatusCompleted = "completed"
	ReconcileStatusFailed    = "failed"
)

// PoolReconcileReport is the outcome of one pass over one pool.
type PoolReconcileReport struct {
	RepoURL    string   `json:"repoUrl"`
	Branch     string   `json:"branch"`
	Active     int      `json:"active"`
	Pending    int      `json:"pending"`
	Total      int      `json:"total"`
	Created    int      `json:"created"`
	Stopped    int      `json:"stopped"`
	Hibernated int      `json:"hibernated"`
	Failures   []string `json:"failures,omitempty"`
}

// Merge folds the counters of other into r. Snapshot fields keep the
// first non-zero observation.
func (r *PoolReconcileReport) Merge(other *PoolReconcileReport) {
	if other == nil {
		return
	}
	if r.Total == 0 {
		r.Active, r.Pending, r.Total = other.Active, other.Pending, other.Total
	}
	r.Created += other.Created
	r.Stopped += other.Stopped
	r.Hibernated += other.Hibernated
	r.Failures = append(r.Failures, other.Failures...)
}

// ReconcileRun represents one reconcile pass across all pools.
type ReconcileRun struct {
	ID          string                `json:"id"`
	TriggerType string                `json:"triggerType"`
	StartedAt   time.Time             `json:"startedAt"`
	FinishedAt  *time.Time            `json:"finishedAt,omitempty"`
	Status      string                `json:"status"`
	Pools       []PoolReconcileReport `json:"pools"`
	Error       string                `json:"error,omitempty"`
}
