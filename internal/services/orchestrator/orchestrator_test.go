package orchestrator

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/internal/clients"
	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/internal/services/gateway"
	"github.com/vadiminshakov/spendflow/internal/services/rebalance"
	"github.com/vadiminshakov/spendflow/internal/services/reconciler"
	"github.com/vadiminshakov/spendflow/internal/services/withdrawal"
	"github.com/vadiminshakov/spendflow/internal/storage/plans"
)

var (
	spenderAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	accountAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// mockChain stands in for the gateway: approval, spend and balance reads.
// Period reads are counted rather than expected so most tests can ignore them.
type mockChain struct {
	mock.Mock

	periodErr   error
	periodReads atomic.Int32
}

func (m *mockChain) CurrentPeriod(_ context.Context, auth *domain.SpendAuthorization) (gateway.PeriodSpend, error) {
	m.periodReads.Add(1)
	if m.periodErr != nil {
		return gateway.PeriodSpend{}, m.periodErr
	}
	return gateway.PeriodSpend{
		Start: new(big.Int).SetUint64(auth.Start),
		End:   new(big.Int).SetUint64(auth.Start + uint64(auth.Period)),
		Spend: big.NewInt(0),
	}, nil
}

func (m *mockChain) Spender() common.Address {
	return m.Called().Get(0).(common.Address)
}

func (m *mockChain) Balance(ctx context.Context, auth *domain.SpendAuthorization) (*big.Int, error) {
	args := m.Called(ctx, auth)
	out, _ := args.Get(0).(*big.Int)
	return out, args.Error(1)
}

func (m *mockChain) IsApproved(ctx context.Context, auth *domain.SpendAuthorization) (bool, error) {
	args := m.Called(ctx, auth)
	return args.Bool(0), args.Error(1)
}

func (m *mockChain) ApproveWithSignature(ctx context.Context, auth *domain.SpendAuthorization) (common.Hash, error) {
	args := m.Called(ctx, auth)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *mockChain) Spend(ctx context.Context, auth *domain.SpendAuthorization, value *big.Int) (common.Hash, error) {
	args := m.Called(ctx, auth, value)
	return args.Get(0).(common.Hash), args.Error(1)
}

type mockAdvisor struct {
	mock.Mock
}

func (m *mockAdvisor) Strategy(ctx context.Context, req clients.StrategyRequest) (*clients.StrategyResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*clients.StrategyResponse)
	return resp, args.Error(1)
}

type harness struct {
	store   *plans.WALStore
	chain   *mockChain
	advisor *mockAdvisor
	o       *Orchestrator
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithRefresh(t, rebalance.Config{Timeout: 20 * time.Millisecond})
}

func newHarnessWithRefresh(t *testing.T, cfg rebalance.Config) *harness {
	t.Helper()

	store, err := plans.NewWALStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:   store,
		chain:   &mockChain{},
		advisor: &mockAdvisor{},
		now:     time.Unix(1_750_000_000, 0).UTC(),
	}
	h.chain.On("Spender").Return(spenderAddr).Maybe()

	approvals := reconciler.New(h.chain, reconciler.Config{
		GraceInterval:   time.Millisecond,
		PropagationWait: time.Millisecond,
		MaxAttempts:     2,
	}, zap.NewNop())
	spends := withdrawal.NewExecutor(h.chain, 2, time.Millisecond, zap.NewNop())
	refresh := rebalance.New(h.advisor, store, approvals, spends, cfg, zap.NewNop())

	h.o = New(store, h.chain, approvals, spends, refresh, time.Minute, zap.NewNop())
	h.o.now = func() time.Time { return h.now }

	return h
}

type planOpts struct {
	target    int64
	allowance int64
	rebalance bool
}

func (h *harness) seed(t *testing.T, opts planOpts) string {
	t.Helper()

	id := uuid.NewString()
	require.NoError(t, h.store.CreatePlan(&domain.Plan{
		ID:               id,
		Owner:            accountAddr.Hex(),
		Goal:             "emergency fund",
		TargetAmount:     big.NewInt(opts.target),
		RiskTier:         domain.RiskConservative,
		Allocation:       domain.Allocation{40, 30, 30},
		RebalanceEnabled: opts.rebalance,
		TotalWithdrawn:   big.NewInt(0),
		Status:           domain.PlanStatusActive,
		CreatedAt:        h.now.Add(-time.Hour),
	}))
	require.NoError(t, h.store.SaveAuthorization(&domain.SpendAuthorization{
		ID:        uuid.NewString(),
		PlanID:    id,
		Purpose:   domain.PurposeWithdrawal,
		Account:   accountAddr,
		Spender:   spenderAddr,
		Token:     domain.NativeToken,
		Allowance: big.NewInt(opts.allowance),
		Period:    86400,
		Start:     1_700_000_000,
		End:       1_800_000_000,
		Salt:      big.NewInt(7),
		Signature: []byte{0x01},
		CreatedAt: h.now.Add(-time.Hour),
	}))

	return id
}

// seedFeeAuthorization attaches an advisory_fee authorization drawn from
// the same account and token as the withdrawal. The refresher checks it
// against the wall clock, so it stays valid far into the future.
func (h *harness) seedFeeAuthorization(t *testing.T, planID string, allowance int64) {
	t.Helper()

	require.NoError(t, h.store.SaveAuthorization(&domain.SpendAuthorization{
		ID:        uuid.NewString(),
		PlanID:    planID,
		Purpose:   domain.PurposeAdvisoryFee,
		Account:   accountAddr,
		Spender:   spenderAddr,
		Token:     domain.NativeToken,
		Allowance: big.NewInt(allowance),
		Period:    86400,
		Start:     1_700_000_000,
		End:       4_000_000_000,
		Salt:      big.NewInt(8),
		Signature: []byte{0x02},
		CreatedAt: h.now.Add(-time.Hour),
	}))
}

func ints(values ...int64) domain.Breakdown {
	var b domain.Breakdown
	for i, v := range values {
		b[i] = big.NewInt(v)
	}
	return b
}

func TestExecutePlan_AlreadyApprovedFullTarget(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})
	spendTx := common.HexToHash("0x5e11")

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil).Once()
	h.chain.On("Spend", mock.Anything, mock.Anything, big.NewInt(100)).Return(spendTx, nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, domain.ExecutionSuccess, rec.Status)
	assert.Equal(t, ints(40, 30, 30), rec.Breakdown)
	assert.Equal(t, int64(0), rec.Dust.Int64())
	assert.Equal(t, spendTx.Hex(), rec.SpendTx)
	assert.Empty(t, rec.ApprovalTx)
	h.chain.AssertNotCalled(t, "ApproveWithSignature", mock.Anything, mock.Anything)
	h.chain.AssertNumberOfCalls(t, "Spend", 1)

	plan, err := h.store.GetPlan(id)
	require.NoError(t, err)
	require.NotNil(t, plan.LastExecutedAt)
	assert.True(t, plan.LastExecutedAt.Equal(h.now))
	assert.Equal(t, int64(100), plan.TotalWithdrawn.Int64())

	records, err := h.store.Executions(id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
}

func TestExecutePlan_CapsAtAllowance(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 60})

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, big.NewInt(60)).Return(common.HexToHash("0x60"), nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, int64(60), rec.Amount.Int64())
	assert.Equal(t, ints(24, 18, 18), rec.Breakdown)
	h.chain.AssertExpectations(t)
}

func TestExecutePlan_FirstApprovalRecordsTx(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})
	approveTx := common.HexToHash("0xa99")

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(false, nil).Once()
	h.chain.On("ApproveWithSignature", mock.Anything, mock.Anything).Return(approveTx, nil).Once()
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil).Once()
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).Return(common.HexToHash("0x1"), nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, approveTx.Hex(), rec.ApprovalTx)
	h.chain.AssertExpectations(t)
}

func TestExecutePlan_InsufficientBalanceSendsNothing(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(50), nil)

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.CategoryPrecondition, domain.CategoryOf(err))
	require.NotNil(t, rec)
	assert.Equal(t, domain.ExecutionFailed, rec.Status)
	assert.Equal(t, "precondition: insufficient balance", rec.Category)

	h.chain.AssertNotCalled(t, "IsApproved", mock.Anything, mock.Anything)
	h.chain.AssertNotCalled(t, "ApproveWithSignature", mock.Anything, mock.Anything)
	h.chain.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything)

	plan, err := h.store.GetPlan(id)
	require.NoError(t, err)
	assert.Nil(t, plan.LastExecutedAt)
	assert.Equal(t, int64(0), plan.TotalWithdrawn.Int64())

	records, err := h.store.Executions(id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ExecutionFailed, records[0].Status)
}

func TestExecutePlan_BalanceCoversTargetNotCappedAmount(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 60})

	// enough for the capped 60 but not for the 100 target
	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(80), nil)

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "have 80, need 100")
	assert.Equal(t, domain.ExecutionFailed, rec.Status)

	h.chain.AssertNotCalled(t, "IsApproved", mock.Anything, mock.Anything)
	h.chain.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecutePlan_InsufficientBalanceChargesNoFee(t *testing.T) {
	h := newHarnessWithRefresh(t, rebalance.Config{Timeout: 20 * time.Millisecond, Fee: big.NewInt(5)})
	id := h.seed(t, planOpts{target: 100, allowance: 100, rebalance: true})
	h.seedFeeAuthorization(t, id, 5)

	// covers the target alone but not target plus fee
	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(100), nil)

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "need 105")
	require.NotNil(t, rec)
	assert.Empty(t, rec.FeeTx)
	assert.False(t, rec.Rebalance.Attempted)

	h.chain.AssertNotCalled(t, "IsApproved", mock.Anything, mock.Anything)
	h.chain.AssertNotCalled(t, "ApproveWithSignature", mock.Anything, mock.Anything)
	h.chain.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything)
	h.advisor.AssertNotCalled(t, "Strategy", mock.Anything, mock.Anything)
}

func TestExecutePlan_ChargesFeeWhenBalanceCoversBoth(t *testing.T) {
	h := newHarnessWithRefresh(t, rebalance.Config{Timeout: 20 * time.Millisecond, Fee: big.NewInt(5)})
	id := h.seed(t, planOpts{target: 100, allowance: 100, rebalance: true})
	h.seedFeeAuthorization(t, id, 5)
	feeTx := common.HexToHash("0xfee")
	spendTx := common.HexToHash("0x5e")

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(105), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, big.NewInt(5)).Return(feeTx, nil).Once()
	h.chain.On("Spend", mock.Anything, mock.Anything, big.NewInt(100)).Return(spendTx, nil).Once()
	h.advisor.On("Strategy", mock.Anything, mock.Anything).Return(&clients.StrategyResponse{
		Percentages: []decimal.Decimal{decimal.NewFromInt(40), decimal.NewFromInt(30), decimal.NewFromInt(30)},
	}, nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, feeTx.Hex(), rec.FeeTx)
	assert.Equal(t, spendTx.Hex(), rec.SpendTx)
	assert.True(t, rec.Rebalance.Succeeded)
	h.chain.AssertExpectations(t)
}

func TestExecutePlan_ReadsCurrentPeriodBeforeSpend(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			assert.Equal(t, int32(1), h.chain.periodReads.Load())
		}).
		Return(common.HexToHash("0x6"), nil).Once()

	_, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.chain.periodReads.Load())
}

func TestExecutePlan_PeriodReadFailureDoesNotBlockSpend(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})
	h.chain.periodErr = errors.New("execution reverted")

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).Return(common.HexToHash("0x7"), nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, rec.Status)
	assert.Equal(t, int32(1), h.chain.periodReads.Load())
}

func TestExecutePlan_AllowanceExhaustedIsNotRetried(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).
		Return(common.Hash{}, errors.Wrap(domain.ErrAllowanceExhausted, "ExceededSpendPermission"))

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.ErrorIs(t, err, domain.ErrAllowanceExhausted)
	assert.Equal(t, "fatal: allowance exhausted", rec.Category)
	h.chain.AssertNumberOfCalls(t, "Spend", 1)

	plan, err := h.store.GetPlan(id)
	require.NoError(t, err)
	assert.Nil(t, plan.LastExecutedAt)
}

func TestExecutePlan_AdvisoryTimeoutKeepsStoredAllocation(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100, rebalance: true})

	h.advisor.On("Strategy", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).Return(common.HexToHash("0x2"), nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, rec.Status)
	assert.True(t, rec.Rebalance.Attempted)
	assert.False(t, rec.Rebalance.Succeeded)
	assert.NotEmpty(t, rec.Rebalance.Reason)
	assert.Equal(t, domain.Allocation{40, 30, 30}, rec.Allocation)
	assert.Equal(t, ints(40, 30, 30), rec.Breakdown)
}

func TestExecutePlan_RefreshedAllocationIsUsedAndCommitted(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100, rebalance: true})

	h.advisor.On("Strategy", mock.Anything, mock.Anything).Return(&clients.StrategyResponse{
		Percentages: []decimal.Decimal{decimal.NewFromInt(50), decimal.NewFromInt(25), decimal.NewFromInt(25)},
	}, nil).Once()
	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).Return(common.HexToHash("0x3"), nil).Once()

	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.True(t, rec.Rebalance.Succeeded)
	assert.Equal(t, ints(50, 25, 25), rec.Breakdown)

	plan, err := h.store.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, domain.Allocation{50, 25, 25}, plan.Allocation)
	assert.Equal(t, uint64(3), plan.Version)
	require.NotNil(t, plan.LastExecutedAt)
}

func TestExecutePlan_DoubleExecuteSpendsOnce(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})

	started := make(chan struct{})
	release := make(chan struct{})

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(common.HexToHash("0x4"), nil).Once()

	type outcome struct {
		rec *domain.ExecutionRecord
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
		first <- outcome{rec, err}
	}()

	<-started
	rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.ErrorIs(t, err, domain.ErrExecutionInProgress)
	assert.Nil(t, rec)

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, domain.ExecutionSuccess, res.rec.Status)

	_, err = h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
	require.ErrorIs(t, err, domain.ErrNotDue)

	h.chain.AssertNumberOfCalls(t, "Spend", 1)
	records, err := h.store.Executions(id)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecutePlan_DueAgainAfterPeriod(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})

	h.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1_000), nil)
	h.chain.On("IsApproved", mock.Anything, mock.Anything).Return(true, nil)
	h.chain.On("Spend", mock.Anything, mock.Anything, mock.Anything).Return(common.HexToHash("0x5"), nil)

	_, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.NoError(t, err)

	h.now = h.now.Add(24 * time.Hour)
	_, err = h.o.ExecutePlan(context.Background(), id, domain.TriggerScheduled)
	require.NoError(t, err)

	plan, err := h.store.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, int64(200), plan.TotalWithdrawn.Int64())
}

func TestExecutePlan_Guards(t *testing.T) {
	t.Run("malformed id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.o.ExecutePlan(context.Background(), "not-a-uuid", domain.TriggerManual)
		require.ErrorIs(t, err, domain.ErrInvalidPlanID)
		assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
	})

	t.Run("unknown plan", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.o.ExecutePlan(context.Background(), uuid.NewString(), domain.TriggerManual)
		require.ErrorIs(t, err, domain.ErrPlanNotFound)
		assert.Nil(t, rec)
	})

	t.Run("paused plan", func(t *testing.T) {
		h := newHarness(t)
		id := h.seed(t, planOpts{target: 100, allowance: 100})
		_, err := h.o.SetPlanStatus(context.Background(), id, domain.ActionPause)
		require.NoError(t, err)

		rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
		require.ErrorIs(t, err, domain.ErrPlanInactive)
		assert.Equal(t, "precondition: plan is not active", rec.Category)
	})

	t.Run("missing authorization", func(t *testing.T) {
		h := newHarness(t)
		id := uuid.NewString()
		require.NoError(t, h.store.CreatePlan(&domain.Plan{
			ID:           id,
			Owner:        accountAddr.Hex(),
			TargetAmount: big.NewInt(10),
			RiskTier:     domain.RiskModerate,
			Allocation:   domain.Allocation{100, 0, 0},
			Status:       domain.PlanStatusActive,
		}))

		rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
		require.ErrorIs(t, err, domain.ErrAuthorizationNotFound)
		assert.Equal(t, domain.CategoryNotFound, domain.CategoryOf(err))
		require.NotNil(t, rec)
	})

	t.Run("expired authorization", func(t *testing.T) {
		h := newHarness(t)
		id := h.seed(t, planOpts{target: 100, allowance: 100})
		h.now = time.Unix(1_800_000_000, 0)

		rec, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
		require.ErrorIs(t, err, domain.ErrAuthorizationExpired)
		assert.Equal(t, domain.CategoryFatal, domain.CategoryOf(err))
		assert.Equal(t, domain.ExecutionFailed, rec.Status)
	})

	t.Run("foreign spender", func(t *testing.T) {
		h := newHarness(t)
		id := h.seed(t, planOpts{target: 100, allowance: 100})
		h.chain.ExpectedCalls = nil
		h.chain.On("Spender").Return(common.HexToAddress("0x3333333333333333333333333333333333333333"))

		_, err := h.o.ExecutePlan(context.Background(), id, domain.TriggerManual)
		require.ErrorIs(t, err, domain.ErrSpenderMismatch)
		h.chain.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSetPlanStatus(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, planOpts{target: 100, allowance: 100})
	ctx := context.Background()

	plan, err := h.o.SetPlanStatus(ctx, id, domain.ActionPause)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusPaused, plan.Status)

	plan, err = h.o.SetPlanStatus(ctx, id, domain.ActionResume)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusActive, plan.Status)

	_, err = h.o.SetPlanStatus(ctx, id, domain.StatusAction("archive"))
	require.ErrorIs(t, err, domain.ErrInvalidStatusAction)

	plan, err = h.o.SetPlanStatus(ctx, id, domain.ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCancelled, plan.Status)

	_, err = h.o.SetPlanStatus(ctx, id, domain.ActionResume)
	require.ErrorIs(t, err, domain.ErrPlanCancelled)
	assert.Equal(t, domain.CategoryPrecondition, domain.CategoryOf(err))

	_, err = h.o.SetPlanStatus(ctx, "bad", domain.ActionPause)
	require.ErrorIs(t, err, domain.ErrInvalidPlanID)

	stored, err := h.store.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCancelled, stored.Status)
}
