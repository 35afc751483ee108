// Command spendflow runs recurring withdrawals against on-chain spend
// permissions. Plans are executed on a cron schedule or through the admin API.
//
// Usage:
//
//	spendflow setup [path]        interactive config wizard
//	spendflow --config config.yaml
//	spendflow --config config.yaml --once
//
// Secrets can be supplied through the environment instead of the file:
//
//	SPENDFLOW_SPENDER_KEY, SPENDFLOW_ADVISORY_KEY, SPENDFLOW_ADMIN_TOKEN
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/spendflow/config"
	"github.com/vadiminshakov/spendflow/internal"
	"github.com/vadiminshakov/spendflow/internal/setup"
)

const dialTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		path := config.DefaultPath
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		if err := setup.RunTUI(path); err != nil {
			log.Fatal(err)
		}
		return
	}

	conf, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	zapConf := zap.NewProductionConfig()
	zapConf.Level = zap.NewAtomicLevelAt(conf.LogLevel)
	logger, err := zapConf.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	engine, err := internal.NewEngine(dialCtx, conf, logger)
	cancel()
	if err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	defer engine.Close()

	if conf.RunOnce {
		summary, err := engine.RunOnce(ctx)
		if err != nil {
			logger.Error("due-plan pass failed", zap.Error(err))
			return
		}
		logger.Info("due-plan pass finished",
			zap.String("run_id", summary.RunID),
			zap.Int("processed", summary.Processed),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped))
		return
	}

	logger.Info("engine started",
		zap.String("manager", conf.ManagerAddress.Hex()),
		zap.String("chain_id", conf.ChainID.String()))
	if err := engine.Run(ctx); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
	}
}
