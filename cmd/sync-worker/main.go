// Package main runs the configured CRM syncs and pushes once and exits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/config"
	"github.com/nucleus/sync-core/internal/connector/crm"
	"github.com/nucleus/sync-core/internal/engine"
	"github.com/nucleus/sync-core/internal/logging"
	"github.com/nucleus/sync-core/internal/retl"
	"github.com/nucleus/sync-core/internal/stage"
	"github.com/nucleus/sync-core/internal/warehouse"
)

func main() {
	configPath := flag.String("config", os.Getenv("SYNC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !run(ctx, cfg, logger) {
		stop()
		logger.Sync()
		os.Exit(1)
	}
}

// run executes every configured sync, then every push. It reports whether
// all of them succeeded.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) bool {
	api, err := crm.NewClient(crm.Config{
		InstanceURL: cfg.CRM.InstanceURL,
		AccessToken: cfg.CRM.AccessToken,
		APIVersion:  cfg.CRM.APIVersion,
		RateLimit:   cfg.CRM.RateLimit,
		MaxRetries:  cfg.CRM.MaxRetries,
		Logger:      logger.Named("crm"),
	})
	if err != nil {
		logger.Error("crm client", zap.Error(err))
		return false
	}
	bulkClient := bulk.NewClient(api, logger.Named("bulk"))

	wh, err := warehouse.Open(cfg.WarehouseSettings(), logger.Named("warehouse"))
	if err != nil {
		logger.Error("warehouse connection", zap.Error(err))
		return false
	}
	defer wh.Close()
	if err := wh.Ping(ctx); err != nil {
		logger.Error("warehouse unreachable", zap.Error(err))
		return false
	}

	var stager *stage.Stager
	store, err := cfg.ObjectStore()
	if err != nil {
		logger.Error("stage store", zap.Error(err))
		return false
	}
	if store != nil {
		stager = stage.NewStager(store, logger.Named("stage"))
	}

	ok := true
	eng := engine.New(api, bulkClient, wh, stager, cfg.EngineOptions(), logger.Named("engine"))
	for _, res := range eng.SyncAll(ctx, cfg.Objects) {
		fields := []zap.Field{
			zap.String("object", res.Object),
			zap.String("target", res.Target),
			zap.String("method", string(res.Method)),
			zap.Int64("estimated", res.EstimatedRecords),
			zap.Int64("loaded", res.ActualRecords),
			zap.Float64("duration_seconds", res.DurationSeconds),
		}
		if res.JobID != "" {
			fields = append(fields, zap.String("job_id", res.JobID))
		}
		if !res.Success {
			ok = false
			logger.Error("sync result", append(fields, zap.String("code", res.ErrorCode), zap.String("error", res.Error))...)
			continue
		}
		logger.Info("sync result", fields...)
	}

	if len(cfg.Push) == 0 {
		return ok
	}
	var history *retl.HistoryStore
	if cfg.History.Enabled {
		history = retl.NewHistoryStore(wh, cfg.History.Schema, logger.Named("history"))
	}
	pusher := retl.NewPusher(wh, bulkClient, history, cfg.BulkPoll(), logger.Named("retl"))
	for _, req := range cfg.Push {
		job, err := pusher.Push(ctx, req)
		if err != nil {
			ok = false
			logger.Error("push failed", zap.String("object", req.Object), zap.Error(err))
			continue
		}
		if job != nil {
			logger.Info("push complete",
				zap.String("object", req.Object),
				zap.String("job_id", job.ID),
				zap.Int64("processed", job.NumberRecordsProcessed),
				zap.Int64("failed", job.NumberRecordsFailed))
		}
	}
	return ok
}
