package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	apiserver "ecgflow/internal/api"
	"ecgflow/internal/config"
	"ecgflow/internal/engine"
	"ecgflow/internal/logging"
	"ecgflow/internal/notify"
	"ecgflow/internal/registry"
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

	client := transport.NewClient(cfg)
	publisher := transport.NewPublisher(client, cfg)
	notifier := notify.NewPublisher(client, cfg.TransitionChannel)
	eng := engine.New(reg, publisher, notifier, cfg.StageRetryLimit)

	hub := notify.NewHub(cfg.SubscriberQueue)
	go func() {
		if err := notify.RunBridge(ctx, client, cfg.TransitionChannel, hub); err != nil && ctx.Err() == nil {
			zap.S().Errorw("transition bridge stopped", "error", err)
		}
	}()

	server := apiserver.New(cfg, reg, eng, hub)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	zap.S().Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.S().Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
