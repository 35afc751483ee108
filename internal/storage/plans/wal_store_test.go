package plans

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

func testPlan(id string) *domain.Plan {
	return &domain.Plan{
		ID:             id,
		Owner:          "0x1111111111111111111111111111111111111111",
		Goal:           "house deposit",
		TargetAmount:   big.NewInt(100),
		RiskTier:       domain.RiskModerate,
		Allocation:     domain.Allocation{40, 30, 30},
		TotalWithdrawn: big.NewInt(0),
		Status:         domain.PlanStatusActive,
		CreatedAt:      time.Unix(1_700_000_000, 0).UTC(),
	}
}

func testAuthorization(id, planID string, purpose domain.AuthorizationPurpose) *domain.SpendAuthorization {
	return &domain.SpendAuthorization{
		ID:        id,
		PlanID:    planID,
		Purpose:   purpose,
		Account:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Spender:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Token:     domain.NativeToken,
		Allowance: big.NewInt(100),
		Period:    86400,
		Start:     1_700_000_000,
		End:       1_800_000_000,
		Salt:      big.NewInt(1),
		Signature: []byte{1, 2, 3},
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestWALStore_PlanLifecycleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewWALStore(dir)
	require.NoError(t, err)

	p := testPlan("plan-1")
	require.NoError(t, s.CreatePlan(p))
	assert.Equal(t, uint64(1), p.Version)

	loaded, err := s.GetPlan("plan-1")
	require.NoError(t, err)
	loaded.RecordWithdrawal(big.NewInt(60), time.Unix(1_700_000_100, 0).UTC())
	require.NoError(t, s.UpdatePlan(loaded))
	assert.Equal(t, uint64(2), loaded.Version)

	stale, err := s.GetPlan("plan-1")
	require.NoError(t, err)
	stale.Version = 1
	require.ErrorIs(t, s.UpdatePlan(stale), domain.ErrVersionConflict)

	require.NoError(t, s.SaveAuthorization(testAuthorization("auth-1", "plan-1", domain.PurposeWithdrawal)))
	require.NoError(t, s.AppendExecution(&domain.ExecutionRecord{PlanID: "plan-1", Status: domain.ExecutionSuccess, Amount: big.NewInt(60)}))
	require.NoError(t, s.SaveRun(domain.RunAudit{ID: "run-1", Processed: 1, Succeeded: 1}))
	require.NoError(t, s.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetPlan("plan-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, int64(60), got.TotalWithdrawn.Int64())
	require.NotNil(t, got.LastExecutedAt)

	auth, err := reopened.Authorization("plan-1", domain.PurposeWithdrawal)
	require.NoError(t, err)
	assert.Equal(t, "auth-1", auth.ID)

	records, err := reopened.Executions("plan-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)

	require.Len(t, reopened.Runs(), 1)
}

func TestWALStore_GetPlanReturnsCopy(t *testing.T) {
	s, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreatePlan(testPlan("plan-1")))

	p, err := s.GetPlan("plan-1")
	require.NoError(t, err)
	p.TotalWithdrawn.SetInt64(999)
	p.Status = domain.PlanStatusPaused

	again, err := s.GetPlan("plan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.TotalWithdrawn.Int64())
	assert.Equal(t, domain.PlanStatusActive, again.Status)

	_, err = s.GetPlan("missing")
	require.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestWALStore_ListPlansFiltersByStatus(t *testing.T) {
	s, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	active := testPlan("a")
	paused := testPlan("b")
	paused.Status = domain.PlanStatusPaused
	require.NoError(t, s.CreatePlan(active))
	require.NoError(t, s.CreatePlan(paused))

	list, err := s.ListPlans(domain.PlanStatusActive)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	all, err := s.ListPlans("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWALStore_Authorizations(t *testing.T) {
	s, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreatePlan(testPlan("plan-1")))

	_, err = s.Authorization("plan-1", domain.PurposeWithdrawal)
	require.ErrorIs(t, err, domain.ErrAuthorizationNotFound)

	require.ErrorIs(t, s.SaveAuthorization(testAuthorization("x", "nope", domain.PurposeWithdrawal)), domain.ErrPlanNotFound)

	require.NoError(t, s.SaveAuthorization(testAuthorization("auth-1", "plan-1", domain.PurposeWithdrawal)))
	require.ErrorIs(t, s.SaveAuthorization(testAuthorization("auth-2", "plan-1", domain.PurposeWithdrawal)), domain.ErrDuplicateAuthorization)
	require.NoError(t, s.SaveAuthorization(testAuthorization("fee-1", "plan-1", domain.PurposeAdvisoryFee)))

	require.NoError(t, s.RevokeAuthorization("auth-1"))
	revoked, err := s.Authorization("plan-1", domain.PurposeWithdrawal)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked, "revoked authorization is still reported")

	replacement := testAuthorization("auth-2", "plan-1", domain.PurposeWithdrawal)
	replacement.CreatedAt = replacement.CreatedAt.Add(time.Hour)
	require.NoError(t, s.SaveAuthorization(replacement))

	current, err := s.Authorization("plan-1", domain.PurposeWithdrawal)
	require.NoError(t, err)
	assert.Equal(t, "auth-2", current.ID)
	assert.False(t, current.Revoked)

	require.ErrorIs(t, s.RevokeAuthorization("missing"), domain.ErrAuthorizationNotFound)
}

func TestWALStore_Leases(t *testing.T) {
	dir := t.TempDir()
	s, err := NewWALStore(dir)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	lease, err := s.AcquireLease("plan-1", time.Minute, now)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)

	_, err = s.AcquireLease("plan-1", time.Minute, now.Add(time.Second))
	require.ErrorIs(t, err, domain.ErrExecutionInProgress)
	assert.Equal(t, domain.CategoryNotDue, domain.CategoryOf(err))

	// stale tokens cannot release someone else's lease
	require.NoError(t, s.ReleaseLease(domain.Lease{PlanID: "plan-1", Token: "other"}))
	_, err = s.AcquireLease("plan-1", time.Minute, now.Add(2*time.Second))
	require.ErrorIs(t, err, domain.ErrExecutionInProgress)

	require.NoError(t, s.Close())

	// a crash keeps the lease until it expires
	s, err = NewWALStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AcquireLease("plan-1", time.Minute, now.Add(30*time.Second))
	require.ErrorIs(t, err, domain.ErrExecutionInProgress)

	expiredTakeover, err := s.AcquireLease("plan-1", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLease(expiredTakeover))

	_, err = s.AcquireLease("plan-1", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
}
