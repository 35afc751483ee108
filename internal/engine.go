package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/spendflow/config"
	cronrunner "github.com/vadiminshakov/spendflow/internal/cron"
	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/internal/services/scheduler"
	"github.com/vadiminshakov/spendflow/internal/storage/plans"
	"github.com/vadiminshakov/spendflow/internal/web"
)

// Engine owns the long-lived components of a running process.
type Engine struct {
	conf      config.Config
	ledger    interface{ Close() }
	store     *plans.WALStore
	scheduler *scheduler.Scheduler
	server    *web.Server
	logger    *zap.Logger
}

// Close releases the plan store and the chain connection.
func (e *Engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close plan store", zap.Error(err))
	}
	if e.ledger != nil {
		e.ledger.Close()
	}
}

// RunOnce executes every due plan a single time.
func (e *Engine) RunOnce(ctx context.Context) (domain.RunSummary, error) {
	return e.scheduler.ExecuteDue(ctx)
}

// Run serves the admin API and fires the cron trigger until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.conf.Schedule != "" {
		runner := cronrunner.New(e.logger.Named("cron"), ctx)
		if _, err := runner.Add(e.conf.Schedule, e.scheduledPass); err != nil {
			return errors.Wrap(err, "failed to schedule due-plan pass")
		}
		runner.Start()
		e.logger.Info("scheduled due-plan pass", zap.String("schedule", e.conf.Schedule))

		g.Go(func() error {
			<-ctx.Done()
			runner.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return e.server.Start(ctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (e *Engine) scheduledPass(ctx context.Context) {
	summary, err := e.scheduler.ExecuteDue(ctx)
	if err != nil {
		e.logger.Error("scheduled pass failed", zap.Error(err))
		return
	}
	e.logger.Debug("scheduled pass done",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
}
