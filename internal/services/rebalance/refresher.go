// Package rebalance refreshes a plan's allocation from the advisory service
// before a withdrawal is split.
package rebalance

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/clients"
	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/internal/services/reconciler"
	"github.com/vadiminshakov/spendflow/internal/services/withdrawal"
)

const (
	defaultTimeout = 15 * time.Second

	// horizon is what the advisory service plans for: the next withdrawal.
	horizon = "one period"
)

type advisor interface {
	Strategy(ctx context.Context, req clients.StrategyRequest) (*clients.StrategyResponse, error)
}

type planStore interface {
	UpdatePlan(p *domain.Plan) error
	Authorization(planID string, purpose domain.AuthorizationPurpose) (*domain.SpendAuthorization, error)
}

type approvals interface {
	Reconcile(ctx context.Context, auth *domain.SpendAuthorization) (reconciler.Result, error)
}

type withdrawals interface {
	Execute(ctx context.Context, auth *domain.SpendAuthorization, value *big.Int) (withdrawal.Result, error)
}

// Config bounds the advisory call and sets the optional per-refresh fee.
type Config struct {
	Timeout time.Duration
	// Fee is charged through the plan's advisory_fee authorization. Nil or
	// zero disables charging.
	Fee *big.Int
}

// Result is what the orchestrator needs from a refresh.
type Result struct {
	Outcome    domain.RebalanceOutcome
	Allocation domain.Allocation
	FeeTx      common.Hash
}

// Refresher asks the advisory service for a new allocation and persists it.
type Refresher struct {
	advisor     advisor
	store       planStore
	approvals   approvals
	withdrawals withdrawals
	cfg         Config
	l           *zap.Logger
	now         func() time.Time
}

func New(a advisor, store planStore, ap approvals, w withdrawals, cfg Config, l *zap.Logger) *Refresher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Refresher{
		advisor:     a,
		store:       store,
		approvals:   ap,
		withdrawals: w,
		cfg:         cfg,
		l:           l,
		now:         time.Now,
	}
}

// Refresh updates plan.Allocation in place when the advisory call succeeds
// and the new allocation is stored. On any failure the stored allocation is
// returned unchanged and the reason is recorded in the outcome. Refresh
// never fails the execution.
func (r *Refresher) Refresh(ctx context.Context, plan *domain.Plan, amount *big.Int) Result {
	res := Result{Allocation: plan.Allocation}
	if !plan.RebalanceEnabled {
		return res
	}

	l := r.l.With(zap.String("plan_id", plan.ID))
	res.Outcome.Attempted = true

	feeTx, err := r.chargeFee(ctx, plan)
	res.FeeTx = feeTx
	if err != nil {
		l.Warn("advisory fee not charged, keeping stored allocation", zap.Error(err))
		res.Outcome.Reason = "fee: " + domain.Describe(err)
		return res
	}

	allocation, err := r.propose(ctx, plan, amount)
	if err != nil {
		l.Warn("advisory strategy unavailable, keeping stored allocation", zap.Error(err))
		res.Outcome.Reason = domain.Describe(err)
		return res
	}

	updated := plan.Clone()
	updated.Allocation = allocation
	updated.UpdatedAt = r.now().UTC()
	if err := r.store.UpdatePlan(updated); err != nil {
		l.Warn("failed to persist refreshed allocation", zap.Error(err))
		res.Outcome.Reason = domain.Describe(err)
		return res
	}

	l.Info("allocation refreshed",
		zap.Ints("from", plan.Allocation[:]),
		zap.Ints("to", allocation[:]))

	*plan = *updated
	res.Allocation = allocation
	res.Outcome.Succeeded = true

	return res
}

func (r *Refresher) propose(ctx context.Context, plan *domain.Plan, amount *big.Int) (domain.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resp, err := r.advisor.Strategy(ctx, clients.StrategyRequest{
		Amount:   new(big.Int).Set(amount),
		Horizon:  horizon,
		RiskTier: plan.RiskTier,
		Goal:     plan.Goal,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrAdvisoryUnavailable) {
			err = errors.Wrap(domain.ErrAdvisoryUnavailable, err.Error())
		}
		return domain.Allocation{}, err
	}

	allocation, err := domain.NormalizeAllocation(resp.Percentages)
	if err != nil {
		return domain.Allocation{}, errors.Wrap(domain.ErrAdvisoryMalformed, err.Error())
	}

	return allocation, nil
}

// PendingFee reports the fee Refresh would charge for plan and the
// authorization it would be drawn from. It only reads the store, so callers
// can cover the fee in their balance pre-check before anything is submitted.
// A nil authorization means the refresh is free.
func (r *Refresher) PendingFee(plan *domain.Plan) (*domain.SpendAuthorization, *big.Int) {
	if !plan.RebalanceEnabled {
		return nil, nil
	}
	auth, fee, err := r.feeAuthorization(plan)
	if err != nil || auth == nil {
		return nil, nil
	}

	return auth, fee
}

// feeAuthorization returns the authorization and amount to charge. A nil
// authorization without error means no fee applies.
func (r *Refresher) feeAuthorization(plan *domain.Plan) (*domain.SpendAuthorization, *big.Int, error) {
	if r.cfg.Fee == nil || r.cfg.Fee.Sign() <= 0 || r.withdrawals == nil || r.approvals == nil {
		return nil, nil, nil
	}

	auth, err := r.store.Authorization(plan.ID, domain.PurposeAdvisoryFee)
	if err != nil {
		if errors.Is(err, domain.ErrAuthorizationNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if auth.Revoked {
		return nil, nil, nil
	}
	if err := auth.Usable(r.now()); err != nil {
		return nil, nil, err
	}

	return auth, auth.Cap(r.cfg.Fee), nil
}

// chargeFee withdraws the advisory fee when one is configured and the plan
// carries an unrevoked fee authorization. A plan without one is refreshed for free.
func (r *Refresher) chargeFee(ctx context.Context, plan *domain.Plan) (common.Hash, error) {
	auth, fee, err := r.feeAuthorization(plan)
	if err != nil || auth == nil {
		return common.Hash{}, err
	}

	if _, err := r.approvals.Reconcile(ctx, auth); err != nil {
		return common.Hash{}, errors.Wrap(err, "approve fee authorization")
	}

	res, err := r.withdrawals.Execute(ctx, auth, fee)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "charge fee")
	}

	return res.TxHash, nil
}
