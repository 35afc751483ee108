// Package scheduler finds active plans whose period has elapsed and executes
// them concurrently.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

const defaultConcurrency = 4

type planStore interface {
	ListPlans(status domain.PlanStatus) ([]*domain.Plan, error)
	Authorization(planID string, purpose domain.AuthorizationPurpose) (*domain.SpendAuthorization, error)
	SaveRun(run domain.RunAudit) error
}

type executor interface {
	ExecutePlan(ctx context.Context, planID string, trigger domain.Trigger) (*domain.ExecutionRecord, error)
}

// Scheduler runs due plans. One plan failing never stops the others.
type Scheduler struct {
	store       planStore
	executor    executor
	concurrency int
	l           *zap.Logger
	now         func() time.Time
}

func New(store planStore, exec executor, concurrency int, l *zap.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Scheduler{
		store:       store,
		executor:    exec,
		concurrency: concurrency,
		l:           l,
		now:         time.Now,
	}
}

// ExecuteDue runs every due active plan once and summarizes the pass. Plans
// whose withdrawal authorization is missing or revoked are skipped. The run
// audit is persisted best effort.
func (s *Scheduler) ExecuteDue(ctx context.Context) (domain.RunSummary, error) {
	summary := domain.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
		Results:   []domain.PlanResult{},
	}
	l := s.l.With(zap.String("run_id", summary.RunID))

	active, err := s.store.ListPlans(domain.PlanStatusActive)
	if err != nil {
		return summary, errors.Wrap(err, "list active plans")
	}

	due := make([]*domain.Plan, 0, len(active))
	for _, p := range active {
		auth, err := s.store.Authorization(p.ID, domain.PurposeWithdrawal)
		if err != nil || auth.Revoked {
			l.Warn("active plan has no usable withdrawal authorization, skipping",
				zap.String("plan_id", p.ID), zap.Error(err))
			summary.Skipped++
			continue
		}
		if p.IsDue(summary.StartedAt, auth.PeriodDuration()) {
			due = append(due, p)
		}
	}

	results := make([]domain.PlanResult, len(due))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, p := range due {
		g.Go(func() error {
			results[i] = s.execute(ctx, p.ID)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.Status == domain.ExecutionSuccess:
			summary.Processed++
			summary.Succeeded++
		case r.Status == domain.ExecutionFailed:
			summary.Processed++
			summary.Failed++
		default:
			summary.Skipped++
		}
		summary.Results = append(summary.Results, r)
	}
	summary.FinishedAt = s.now().UTC()

	if err := s.store.SaveRun(summary.Audit()); err != nil {
		l.Error("failed to persist run audit", zap.Error(err))
	}

	l.Info("scheduled run finished",
		zap.Int("due", len(due)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)))

	return summary, nil
}

// execute turns one plan execution into a result line. Not-due and
// in-progress outcomes leave the status empty: the plan was skipped.
func (s *Scheduler) execute(ctx context.Context, planID string) domain.PlanResult {
	res := domain.PlanResult{PlanID: planID}

	rec, err := s.executor.ExecutePlan(ctx, planID, domain.TriggerScheduled)
	if rec != nil {
		res.RecordID = rec.ID
	}

	switch {
	case err == nil, rec != nil && rec.Succeeded():
		// a confirmed spend counts even if bookkeeping after it failed
		res.Status = domain.ExecutionSuccess
	case errors.Is(err, domain.ErrNotDue), errors.Is(err, domain.ErrExecutionInProgress):
		res.Category = domain.Describe(err)
	default:
		res.Status = domain.ExecutionFailed
		res.Category = domain.Describe(err)
		res.Error = err.Error()
		s.l.Warn("plan execution failed", zap.String("plan_id", planID), zap.Error(err))
	}

	return res
}
