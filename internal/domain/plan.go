// Package domain defines the plans, spend authorizations and execution
// records the engine works with.
package domain

import (
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// RiskTier is passed to the advisory service.
type RiskTier string

const (
	RiskConservative RiskTier = "conservative"
	RiskModerate     RiskTier = "moderate"
	RiskAggressive   RiskTier = "aggressive"
)

// Valid reports whether the tier is one of the known values.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskConservative, RiskModerate, RiskAggressive:
		return true
	}

	return false
}

// StatusAction is an operator request to change a plan's status.
type StatusAction string

const (
	ActionPause  StatusAction = "pause"
	ActionResume StatusAction = "resume"
	ActionCancel StatusAction = "cancel"
)

// Plan is one recurring investment program.
type Plan struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	Goal             string     `json:"goal"`
	TargetAmount     *big.Int   `json:"target_amount"`
	RiskTier         RiskTier   `json:"risk_tier"`
	Allocation       Allocation `json:"allocation"`
	RebalanceEnabled bool       `json:"rebalance_enabled"`
	TotalWithdrawn   *big.Int   `json:"total_withdrawn"`
	LastExecutedAt   *time.Time `json:"last_executed_at,omitempty"`
	Status           PlanStatus `json:"status"`
	Version          uint64     `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the invariants a stored plan must hold.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.Wrap(ErrInvalidPlanID, "plan id is required")
	}
	if p.Owner == "" {
		return errors.New("plan owner is required")
	}
	if p.TargetAmount == nil || p.TargetAmount.Sign() <= 0 {
		return errors.Wrap(ErrInvalidAmount, "target amount must be positive")
	}
	if !p.RiskTier.Valid() {
		return errors.Errorf("unknown risk tier %q", p.RiskTier)
	}

	return p.Allocation.Validate()
}

// Active reports whether the plan may be executed.
func (p *Plan) Active() bool {
	return p.Status == PlanStatusActive
}

// IsDue reports whether period has elapsed since the last execution.
// A plan that never ran is always due.
func (p *Plan) IsDue(now time.Time, period time.Duration) bool {
	if p.LastExecutedAt == nil {
		return true
	}

	return now.Sub(*p.LastExecutedAt) >= period
}

// NextDueAt returns when the plan becomes due again.
func (p *Plan) NextDueAt(period time.Duration) time.Time {
	if p.LastExecutedAt == nil {
		return time.Time{}
	}

	return p.LastExecutedAt.Add(period)
}

// ApplyStatusAction transitions the plan status. Cancel is terminal.
func (p *Plan) ApplyStatusAction(action StatusAction) error {
	if p.Status == PlanStatusCancelled {
		return errors.Wrapf(ErrPlanCancelled, "cannot %s a cancelled plan", action)
	}

	switch action {
	case ActionPause:
		p.Status = PlanStatusPaused
	case ActionResume:
		p.Status = PlanStatusActive
	case ActionCancel:
		p.Status = PlanStatusCancelled
	default:
		return errors.Wrapf(ErrInvalidStatusAction, "%q", action)
	}

	return nil
}

// RecordWithdrawal bumps totals after a confirmed spend.
func (p *Plan) RecordWithdrawal(amount *big.Int, at time.Time) {
	if p.TotalWithdrawn == nil {
		p.TotalWithdrawn = new(big.Int)
	}
	p.TotalWithdrawn = new(big.Int).Add(p.TotalWithdrawn, amount)
	executedAt := at
	p.LastExecutedAt = &executedAt
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}

	c := *p
	if p.TargetAmount != nil {
		c.TargetAmount = new(big.Int).Set(p.TargetAmount)
	}
	if p.TotalWithdrawn != nil {
		c.TotalWithdrawn = new(big.Int).Set(p.TotalWithdrawn)
	}
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		c.LastExecutedAt = &t
	}

	return &c
}
