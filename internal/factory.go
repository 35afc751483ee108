package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/config"
	"github.com/vadiminshakov/spendflow/internal/clients"
	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/internal/events"
	"github.com/vadiminshakov/spendflow/internal/services/gateway"
	"github.com/vadiminshakov/spendflow/internal/services/orchestrator"
	"github.com/vadiminshakov/spendflow/internal/services/rebalance"
	"github.com/vadiminshakov/spendflow/internal/services/reconciler"
	"github.com/vadiminshakov/spendflow/internal/services/scheduler"
	"github.com/vadiminshakov/spendflow/internal/services/withdrawal"
	"github.com/vadiminshakov/spendflow/internal/storage/plans"
	"github.com/vadiminshakov/spendflow/internal/web"
)

// publishingStore persists through the WAL store and streams execution
// records and run audits to live subscribers.
type publishingStore struct {
	*plans.WALStore
	rec *events.Recorder
}

func (s publishingStore) AppendExecution(r *domain.ExecutionRecord) error {
	return s.rec.AppendExecution(r)
}

func (s publishingStore) SaveRun(a domain.RunAudit) error {
	return s.rec.SaveRun(a)
}

// NewEngine dials the chain, opens the plan store and wires every service.
func NewEngine(ctx context.Context, conf config.Config, logger *zap.Logger) (*Engine, error) {
	ledger, err := clients.DialLedger(ctx, conf.RPCURL, conf.SpenderKey, conf.ChainID,
		logger.Named("ledger"),
		clients.WithCallTimeout(conf.CallTimeout),
		clients.WithPollInterval(conf.PollInterval),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect ledger")
	}

	store, err := plans.NewWALStore(conf.WALDir)
	if err != nil {
		ledger.Close()
		return nil, errors.Wrap(err, "failed to open plan store")
	}

	broadcaster := events.NewBroadcaster(256)
	orch, sched := wireServices(conf, ledger, publishingStore{
		WALStore: store,
		rec:      events.NewRecorder(store, broadcaster),
	}, logger)

	server := web.NewServer(conf.HTTP.Addr, orch, sched, store, conf.HTTP.Token, logger.Named("web")).
		WithEvents(broadcaster)
	if len(conf.HTTP.TLSDomains) > 0 {
		if server, err = server.WithAutoTLS(conf.HTTP.TLSDomains, conf.HTTP.CertCache); err != nil {
			_ = store.Close()
			ledger.Close()
			return nil, err
		}
	}

	return &Engine{
		conf:      conf,
		ledger:    ledger,
		store:     store,
		scheduler: sched,
		server:    server,
		logger:    logger,
	}, nil
}

// wireServices builds the execution chain on top of a ledger and store.
func wireServices(conf config.Config, ledger gateway.Ledger, store publishingStore, logger *zap.Logger) (*orchestrator.Orchestrator, *scheduler.Scheduler) {
	gw := gateway.New(ledger, conf.ManagerAddress, conf.ConfirmTimeout, logger.Named("gateway"))

	rec := reconciler.New(gw, reconciler.Config{
		GraceInterval:   conf.ApprovalGrace,
		PropagationWait: conf.PropagationWait,
		MaxAttempts:     conf.ApprovalRetries,
	}, logger.Named("reconciler"))

	exec := withdrawal.NewExecutor(gw, conf.SpendRetries, conf.SpendRetryDelay, logger.Named("withdrawal"))

	var orch *orchestrator.Orchestrator
	if conf.Advisory.URL != "" {
		advisory := clients.NewAdvisoryClient(conf.Advisory.URL, conf.Advisory.APIKey, conf.Advisory.Timeout, conf.Advisory.Retries)
		refresher := rebalance.New(advisory, store, rec, exec, rebalance.Config{
			Timeout: conf.Advisory.Timeout,
			Fee:     conf.Advisory.Fee,
		}, logger.Named("rebalance"))
		orch = orchestrator.New(store, gw, rec, exec, refresher, conf.LeaseTTL, logger.Named("orchestrator"))
	} else {
		logger.Info("advisory service not configured, allocations stay as stored")
		orch = orchestrator.New(store, gw, rec, exec, nil, conf.LeaseTTL, logger.Named("orchestrator"))
	}

	return orch, scheduler.New(store, orch, conf.Concurrency, logger.Named("scheduler"))
}
