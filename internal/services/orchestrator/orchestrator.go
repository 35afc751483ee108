// Package orchestrator runs one plan execution end to end: guards, strategy
// refresh, approval, withdrawal, allocation and the audit record.
package orchestrator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/internal/services/gateway"
	"github.com/vadiminshakov/spendflow/internal/services/rebalance"
	"github.com/vadiminshakov/spendflow/internal/services/reconciler"
	"github.com/vadiminshakov/spendflow/internal/services/withdrawal"
)

const (
	defaultLeaseTTL     = 30 * time.Minute
	commitAttempts      = 3
	statusUpdateRetries = 3
)

type planStore interface {
	GetPlan(id string) (*domain.Plan, error)
	UpdatePlan(p *domain.Plan) error
	Authorization(planID string, purpose domain.AuthorizationPurpose) (*domain.SpendAuthorization, error)
	AppendExecution(r *domain.ExecutionRecord) error
	AcquireLease(planID string, ttl time.Duration, now time.Time) (domain.Lease, error)
	ReleaseLease(lease domain.Lease) error
}

type chain interface {
	Spender() common.Address
	Balance(ctx context.Context, auth *domain.SpendAuthorization) (*big.Int, error)
	CurrentPeriod(ctx context.Context, auth *domain.SpendAuthorization) (gateway.PeriodSpend, error)
}

type approvals interface {
	Reconcile(ctx context.Context, auth *domain.SpendAuthorization) (reconciler.Result, error)
}

type withdrawals interface {
	Execute(ctx context.Context, auth *domain.SpendAuthorization, value *big.Int) (withdrawal.Result, error)
}

type refresher interface {
	PendingFee(plan *domain.Plan) (*domain.SpendAuthorization, *big.Int)
	Refresh(ctx context.Context, plan *domain.Plan, amount *big.Int) rebalance.Result
}

// Orchestrator executes plans. It is safe for concurrent use; overlapping
// executions of the same plan are rejected by the store lease.
type Orchestrator struct {
	store       planStore
	chain       chain
	approvals   approvals
	withdrawals withdrawals
	refresher   refresher
	leaseTTL    time.Duration
	l           *zap.Logger
	now         func() time.Time
}

func New(
	store planStore,
	c chain,
	ap approvals,
	w withdrawals,
	r refresher,
	leaseTTL time.Duration,
	l *zap.Logger,
) *Orchestrator {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Orchestrator{
		store:       store,
		chain:       c,
		approvals:   ap,
		withdrawals: w,
		refresher:   r,
		leaseTTL:    leaseTTL,
		l:           l,
		now:         time.Now,
	}
}

// ExecutePlan runs one execution of the plan.
//
// Not-due and in-progress outcomes return domain.ErrNotDue or
// domain.ErrExecutionInProgress without a record. Every other outcome after
// the plan is loaded is appended to the execution ledger and the record is
// returned alongside any error. LastExecutedAt only moves after a confirmed spend.
func (o *Orchestrator) ExecutePlan(ctx context.Context, planID string, trigger domain.Trigger) (*domain.ExecutionRecord, error) {
	if _, err := uuid.Parse(planID); err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidPlanID, "%q", planID)
	}

	if _, err := o.store.GetPlan(planID); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	l := o.l.With(zap.String("plan_id", planID), zap.String("trigger", string(trigger)))

	lease, err := o.store.AcquireLease(planID, o.leaseTTL, now)
	if err != nil {
		l.Info("execution skipped", zap.Error(err))
		return nil, err
	}
	defer func() {
		if err := o.store.ReleaseLease(lease); err != nil {
			l.Error("failed to release execution lease", zap.Error(err))
		}
	}()

	// reload under the lease so the due check sees the last committed run
	plan, err := o.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	e := &execution{
		o:    o,
		plan: plan,
		now:  now,
		l:    l,
		record: &domain.ExecutionRecord{
			ID:         uuid.NewString(),
			PlanID:     plan.ID,
			Trigger:    trigger,
			Allocation: plan.Allocation,
			CreatedAt:  now,
		},
	}

	return e.run(ctx)
}

// execution carries the state of one ExecutePlan call.
type execution struct {
	o      *Orchestrator
	plan   *domain.Plan
	auth   *domain.SpendAuthorization
	record *domain.ExecutionRecord
	now    time.Time
	l      *zap.Logger
}

func (e *execution) run(ctx context.Context) (*domain.ExecutionRecord, error) {
	if err := e.checkPlan(); err != nil {
		return e.fail(err)
	}

	auth, err := e.o.store.Authorization(e.plan.ID, domain.PurposeWithdrawal)
	if err != nil {
		return e.fail(err)
	}
	e.auth = auth
	e.record.AuthorizationID = auth.ID
	if err := e.checkAuthorization(); err != nil {
		return e.fail(err)
	}

	period := auth.PeriodDuration()
	if !e.plan.IsDue(e.now, period) {
		next := e.plan.NextDueAt(period)
		e.l.Info("plan not due", zap.Time("next_due_at", next))
		return nil, errors.Wrapf(domain.ErrNotDue, "next due at %s", next.Format(time.RFC3339))
	}

	amount := auth.Cap(e.plan.TargetAmount)
	e.record.Amount = amount

	refresh := e.o.refresher != nil && e.plan.RebalanceEnabled

	// nothing is submitted until the owner is known to cover the target and the fee
	var feeAuth *domain.SpendAuthorization
	var fee *big.Int
	if refresh {
		feeAuth, fee = e.o.refresher.PendingFee(e.plan)
	}
	if err := e.checkBalance(ctx, feeAuth, fee); err != nil {
		return e.fail(err)
	}

	if refresh {
		refreshed := e.o.refresher.Refresh(ctx, e.plan, amount)
		e.record.Rebalance = refreshed.Outcome
		e.record.Allocation = refreshed.Allocation
		if refreshed.FeeTx != (common.Hash{}) {
			e.record.FeeTx = refreshed.FeeTx.Hex()
		}
	}

	approval, err := e.o.approvals.Reconcile(ctx, auth)
	if approval.Submitted {
		e.record.ApprovalTx = approval.ApprovalTx.Hex()
	}
	if err != nil {
		return e.fail(errors.Wrap(err, "reconcile approval"))
	}

	e.logPeriod(ctx)

	spent, err := e.o.withdrawals.Execute(ctx, auth, amount)
	if err != nil {
		return e.fail(errors.Wrap(err, "withdraw"))
	}
	e.record.SpendTx = spent.TxHash.Hex()

	breakdown, dust, err := domain.Allocate(amount, e.record.Allocation)
	if err != nil {
		// the spend is confirmed; keep the record successful and surface the split error
		e.l.Error("allocation failed after spend", zap.Error(err))
		e.record.Error = err.Error()
	}
	e.record.Breakdown = breakdown
	e.record.Dust = dust
	e.record.Status = domain.ExecutionSuccess

	commitErr := e.commit(amount)
	if commitErr != nil {
		e.l.Error("spend confirmed but plan totals not committed", zap.Error(commitErr))
		e.record.Category = string(domain.CategoryOf(commitErr))
		e.record.Error = commitErr.Error()
	}

	if err := e.o.store.AppendExecution(e.record); err != nil {
		e.l.Error("failed to append execution record", zap.String("spend_tx", e.record.SpendTx), zap.Error(err))
		return e.record, errors.Wrap(err, "append execution record")
	}

	e.l.Info("plan executed",
		zap.String("amount", amount.String()),
		zap.String("spend_tx", e.record.SpendTx),
		zap.Ints("allocation", e.record.Allocation[:]),
		zap.String("dust", dust.String()))

	return e.record, commitErr
}

func (e *execution) checkPlan() error {
	switch e.plan.Status {
	case domain.PlanStatusActive:
		return nil
	case domain.PlanStatusCancelled:
		return errors.Wrapf(domain.ErrPlanCancelled, "plan %s", e.plan.ID)
	default:
		return errors.Wrapf(domain.ErrPlanInactive, "plan %s is %s", e.plan.ID, e.plan.Status)
	}
}

func (e *execution) checkAuthorization() error {
	if err := e.auth.Usable(e.now); err != nil {
		return err
	}
	if spender := e.o.chain.Spender(); e.auth.Spender != spender {
		return errors.Wrapf(domain.ErrSpenderMismatch, "authorization %s, engine %s", e.auth.Spender.Hex(), spender.Hex())
	}

	return nil
}

// checkBalance requires the full target, not the allowance-capped amount.
// A fee drawn from the same account and token is added to the requirement;
// a fee drawn elsewhere is checked against its own account.
func (e *execution) checkBalance(ctx context.Context, feeAuth *domain.SpendAuthorization, fee *big.Int) error {
	need := new(big.Int).Set(e.plan.TargetAmount)
	separateFee := false
	if feeAuth != nil && fee != nil && fee.Sign() > 0 {
		if feeAuth.Account == e.auth.Account && feeAuth.Token == e.auth.Token {
			need.Add(need, fee)
		} else {
			separateFee = true
		}
	}

	if err := e.requireBalance(ctx, e.auth, need); err != nil {
		return err
	}
	if separateFee {
		return errors.Wrap(e.requireBalance(ctx, feeAuth, fee), "advisory fee")
	}

	return nil
}

func (e *execution) requireBalance(ctx context.Context, auth *domain.SpendAuthorization, need *big.Int) error {
	balance, err := e.o.chain.Balance(ctx, auth)
	if err != nil {
		return errors.Wrap(err, "balance pre-check")
	}
	if balance.Cmp(need) < 0 {
		return errors.Wrapf(domain.ErrInsufficientBalance, "have %s, need %s", balance.String(), need.String())
	}

	return nil
}

// logPeriod records the contract's view of the active period before the
// spend. The read is informational and never fails the execution.
func (e *execution) logPeriod(ctx context.Context) {
	period, err := e.o.chain.CurrentPeriod(ctx, e.auth)
	if err != nil {
		e.l.Warn("failed to read current period", zap.Error(err))
		return
	}

	spent := period.Spend
	if spent == nil {
		spent = new(big.Int)
	}
	remaining := new(big.Int).Sub(e.auth.Allowance, spent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}

	e.l.Info("current period",
		zap.Stringer("start", period.Start),
		zap.Stringer("end", period.End),
		zap.String("spent", spent.String()),
		zap.String("remaining", remaining.String()))
}

// commit bumps the plan totals. The lease keeps other executions out, but a
// status change or refresh can still race, so conflicts reload and retry.
func (e *execution) commit(amount *big.Int) error {
	plan := e.plan
	for attempt := 1; ; attempt++ {
		plan.RecordWithdrawal(amount, e.now)
		plan.UpdatedAt = e.now

		err := e.o.store.UpdatePlan(plan)
		if err == nil {
			e.plan = plan
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= commitAttempts {
			return errors.Wrap(err, "commit plan")
		}

		e.l.Warn("plan changed during execution, reloading", zap.Int("attempt", attempt))
		fresh, err := e.o.store.GetPlan(e.plan.ID)
		if err != nil {
			return errors.Wrap(err, "reload plan")
		}
		plan = fresh
	}
}

func (e *execution) fail(err error) (*domain.ExecutionRecord, error) {
	e.record.Fail(err)
	e.l.Warn("execution failed", zap.String("category", e.record.Category), zap.Error(err))

	if appendErr := e.o.store.AppendExecution(e.record); appendErr != nil {
		e.l.Error("failed to append execution record", zap.Error(appendErr))
	}

	return e.record, err
}

// SetPlanStatus applies an operator action. Cancel is terminal.
func (o *Orchestrator) SetPlanStatus(ctx context.Context, planID string, action domain.StatusAction) (*domain.Plan, error) {
	if _, err := uuid.Parse(planID); err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidPlanID, "%q", planID)
	}

	var err error
	for attempt := 0; attempt < statusUpdateRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		var plan *domain.Plan
		plan, err = o.store.GetPlan(planID)
		if err != nil {
			return nil, err
		}
		from := plan.Status
		if err = plan.ApplyStatusAction(action); err != nil {
			return nil, err
		}
		plan.UpdatedAt = o.now().UTC()

		if err = o.store.UpdatePlan(plan); err == nil {
			o.l.Info("plan status changed",
				zap.String("plan_id", planID),
				zap.String("from", string(from)),
				zap.String("to", string(plan.Status)))
			return plan, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
	}

	return nil, err
}
