// Package reconciler converges the on-chain approval of a spend
// authorization before a spend is attempted.
package reconciler

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

// State is a step of the approval state machine.
type State string

const (
	StateUnknown       State = "unknown"
	StateChecking      State = "checking"
	StateApproved      State = "approved"
	StateNeedsApproval State = "needs_approval"
	StateApproving     State = "approving"
	StateConfirming    State = "confirming"
	StateFailed        State = "failed"
)

const (
	defaultGraceInterval   = 5 * time.Second
	defaultPropagationWait = 2 * time.Second
	defaultMaxAttempts     = 3
)

type approvalGateway interface {
	IsApproved(ctx context.Context, auth *domain.SpendAuthorization) (bool, error)
	ApproveWithSignature(ctx context.Context, auth *domain.SpendAuthorization) (common.Hash, error)
}

// Config bounds the reconciler's waits and retries.
type Config struct {
	// GraceInterval is how long to wait after a concurrent approval was detected.
	GraceInterval time.Duration
	// PropagationWait is the pause before reconfirming a fresh approval.
	PropagationWait time.Duration
	// MaxAttempts caps approval submissions per run.
	MaxAttempts int
}

// Result describes how approval was reached.
type Result struct {
	State       State
	ApprovalTx  common.Hash
	Submitted   bool
	Transitions []State
}

// Reconciler drives the approval state machine for one authorization at a time.
type Reconciler struct {
	gateway approvalGateway
	cfg     Config
	l       *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a reconciler; zero config values fall back to defaults.
func New(gateway approvalGateway, cfg Config, l *zap.Logger) *Reconciler {
	if cfg.GraceInterval <= 0 {
		cfg.GraceInterval = defaultGraceInterval
	}
	if cfg.PropagationWait <= 0 {
		cfg.PropagationWait = defaultPropagationWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Reconciler{gateway: gateway, cfg: cfg, l: l, sleep: sleepCtx}
}

// run holds the per-call state so a Reconciler can serve many plans concurrently.
type run struct {
	r      *Reconciler
	auth   *domain.SpendAuthorization
	result Result
	l      *zap.Logger
}

func (rn *run) transition(to State) {
	rn.l.Debug("approval state transition",
		zap.String("from", string(rn.result.State)),
		zap.String("to", string(to)))
	rn.result.State = to
	rn.result.Transitions = append(rn.result.Transitions, to)
}

// Reconcile ensures auth is approved on-chain, submitting the owner's
// signature when needed. A concurrent identical approval is tolerated: the
// reconciler waits and re-checks instead of failing.
func (r *Reconciler) Reconcile(ctx context.Context, auth *domain.SpendAuthorization) (Result, error) {
	rn := &run{
		r:      r,
		auth:   auth,
		result: Result{State: StateUnknown, Transitions: []State{StateUnknown}},
		l:      r.l.With(zap.String("authorization_id", auth.ID), zap.String("plan_id", auth.PlanID)),
	}

	rn.transition(StateChecking)
	approved, err := r.gateway.IsApproved(ctx, auth)
	if err != nil {
		rn.transition(StateFailed)
		return rn.result, errors.Wrap(err, "check approval")
	}
	if approved {
		rn.transition(StateApproved)
		return rn.result, nil
	}
	rn.transition(StateNeedsApproval)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		done, err := rn.attempt(ctx, attempt)
		if done {
			return rn.result, nil
		}
		if err != nil {
			lastErr = err
			if !retryable(err) {
				rn.transition(StateFailed)
				return rn.result, err
			}
			rn.l.Warn("approval attempt did not converge",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.cfg.MaxAttempts),
				zap.Error(err))
		}
	}

	rn.transition(StateFailed)
	if lastErr == nil {
		lastErr = domain.ErrApprovalNotObserved
	}

	return rn.result, errors.Wrapf(lastErr, "approval not reached after %d attempts", r.cfg.MaxAttempts)
}

// attempt runs approving → confirming → approved once.
func (rn *run) attempt(ctx context.Context, attempt int) (bool, error) {
	r := rn.r

	rn.transition(StateApproving)
	hash, err := r.gateway.ApproveWithSignature(ctx, rn.auth)
	switch {
	case err == nil:
		rn.result.ApprovalTx = hash
		rn.result.Submitted = true
		rn.transition(StateConfirming)
		rn.l.Info("approval confirmed, reconfirming after propagation wait",
			zap.String("tx", hash.Hex()),
			zap.Int("attempt", attempt))

		if err := r.sleep(ctx, r.cfg.PropagationWait); err != nil {
			return false, err
		}
	case errors.Is(err, domain.ErrTxAlreadyKnown):
		// another trigger submitted the same approval; let it land.
		rn.transition(StateConfirming)
		rn.l.Info("approval already pending, waiting grace interval",
			zap.Duration("grace", r.cfg.GraceInterval),
			zap.Int("attempt", attempt))

		if err := r.sleep(ctx, r.cfg.GraceInterval); err != nil {
			return false, err
		}
	default:
		return false, errors.Wrap(err, "approve with signature")
	}

	approved, err := r.gateway.IsApproved(ctx, rn.auth)
	if err != nil {
		return false, errors.Wrap(err, "reconfirm approval")
	}
	if !approved {
		return false, domain.ErrApprovalNotObserved
	}

	rn.transition(StateApproved)

	return true, nil
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrApprovalNotObserved) ||
		errors.Is(err, domain.ErrTransientRevert) ||
		errors.Is(err, domain.ErrConfirmationTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "reconciliation canceled")
	case <-timer.C:
		return nil
	}
}
