package domain

import (
	"math/big"
	"time"
)

// Trigger identifies what started an execution.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// ExecutionStatus is the outcome of one execution attempt.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// RebalanceOutcome records whether the strategy refresh ran and how it ended.
type RebalanceOutcome struct {
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
}

// ExecutionRecord is the append-only audit entry for one execution attempt.
type ExecutionRecord struct {
	ID              string           `json:"id"`
	PlanID          string           `json:"plan_id"`
	AuthorizationID string           `json:"authorization_id,omitempty"`
	Trigger         Trigger          `json:"trigger"`
	Amount          *big.Int         `json:"amount,omitempty"`
	Allocation      Allocation       `json:"allocation"`
	Breakdown       Breakdown        `json:"breakdown"`
	Dust            *big.Int         `json:"dust,omitempty"`
	ApprovalTx      string           `json:"approval_tx,omitempty"`
	SpendTx         string           `json:"spend_tx,omitempty"`
	FeeTx           string           `json:"fee_tx,omitempty"`
	Status          ExecutionStatus  `json:"status"`
	Category        string           `json:"category,omitempty"`
	Error           string           `json:"error,omitempty"`
	Rebalance       RebalanceOutcome `json:"rebalance"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Succeeded reports whether the withdrawal went through.
func (r *ExecutionRecord) Succeeded() bool {
	return r.Status == ExecutionSuccess
}

// Fail marks the record failed with the category derived from err.
func (r *ExecutionRecord) Fail(err error) {
	r.Status = ExecutionFailed
	r.Category = Describe(err)
	r.Error = err.Error()
}

// PlanResult is the per-plan line of a scheduler run.
type PlanResult struct {
	PlanID   string          `json:"plan_id"`
	RecordID string          `json:"record_id,omitempty"`
	Status   ExecutionStatus `json:"status"`
	Category string          `json:"category,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// RunSummary is returned by a scheduler pass.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Processed  int          `json:"processed"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Results    []PlanResult `json:"results"`
}

// Audit condenses the summary into the coarse row persisted per run.
func (s RunSummary) Audit() RunAudit {
	ids := make([]string, 0, len(s.Results))
	for _, r := range s.Results {
		ids = append(ids, r.PlanID)
	}

	return RunAudit{
		ID:         s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Processed:  s.Processed,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		PlanIDs:    ids,
	}
}

// RunAudit is the persisted trace of one scheduler pass.
type RunAudit struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	PlanIDs    []string  `json:"plan_ids"`
}

// Lease guards a plan against overlapping executions.
type Lease struct {
	PlanID    string    `json:"plan_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease no longer holds at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
