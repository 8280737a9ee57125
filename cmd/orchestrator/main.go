package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ecgflow/internal/config"
	"ecgflow/internal/engine"
	"ecgflow/internal/ingest"
	"ecgflow/internal/logging"
	"ecgflow/internal/notify"
	"ecgflow/internal/registry"
	"ecgflow/internal/supervisor"
	"ecgflow/internal/telemetry"
	"ecgflow/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, undo := logging.Init(cfg.LogLevel)
	defer undo()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg, err := registry.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		zap.S().Fatalw("connect postgres", "error", err)
	}
	defer reg.Close()

	if err := reg.RunMigrations(ctx); err != nil {
		zap.S().Fatalw("migrations", "error", err)
	}

	// A stable consumer name lets the group reassign this instance's pending
	// entries if it dies and comes back under the same identity.
	if cfg.ConsumerName == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			cfg.ConsumerName = hostname
		} else {
			cfg.ConsumerName = fmt.Sprintf("orchestrator-%d", os.Getpid())
		}
	}

	client := transport.NewClient(cfg)
	publisher := transport.NewPublisher(client, cfg)
	notifier := notify.NewPublisher(client, cfg.TransitionChannel)
	eng := engine.New(reg, publisher, notifier, cfg.StageRetryLimit)

	ingestor, err := ingest.New(eng)
	if err != nil {
		zap.S().Fatalw("init ingestor", "error", err)
	}

	consumer := transport.NewConsumer(client, cfg, func(ctx context.Context, raw []byte) error {
		_, err := ingestor.Ingest(ctx, raw)
		return err
	})

	sup := supervisor.New(reg, eng, cfg.ScanInterval, cfg.StageDeadline, cfg.MinStageDeadline(), cfg.ScanBatchSize)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			zap.S().Warnw("metrics server stopped", "error", err)
		}
	}()

	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			zap.S().Errorw("supervisor stopped", "error", err)
		}
	}()

	zap.S().Infow("orchestrator started",
		"consumer", cfg.ConsumerName,
		"workers", cfg.IngestWorkers,
		"scan_interval", cfg.ScanInterval,
	)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		zap.S().Errorw("consumer stopped", "error", err)
	}
}
