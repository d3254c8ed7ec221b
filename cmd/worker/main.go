package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/storefront-inventory/internal/app"
	"github.com/ariefcatur/storefront-inventory/internal/config"
	kafkax "github.com/ariefcatur/storefront-inventory/internal/kafka"
	"github.com/ariefcatur/storefront-inventory/internal/logger"
	"github.com/ariefcatur/storefront-inventory/internal/redisx"
	"github.com/ariefcatur/storefront-inventory/internal/worker"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.ServiceName+"-worker", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if !cfg.KafkaEnabled() {
		log.Fatal("worker needs KAFKA_BROKERS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap", zap.Error(err))
	}

	h := &worker.Payments{
		Coordinator:  svc.Coordinator,
		Reservations: svc.Reservations,
		Publisher:    svc.Publisher,
		Log:          log.Named("payments"),
	}
	if svc.Redis != nil {
		h.Dedup = redisx.NewDedup(svc.Redis, cfg.ServiceName+"-worker")
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, worker.Topics, cfg.Workers, log.Named("consumer"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("payment consumer started",
			zap.String("group", cfg.WorkerGroup), zap.Strings("topics", worker.Topics), zap.Int("workers", cfg.Workers))
		return cons.Start(gctx, h.Handle)
	})
	if cfg.SweeperEnabled {
		g.Go(func() error { return svc.Sweeper.Run(gctx) })
	}

	werr := g.Wait()
	if werr != nil {
		log.Error("consumer exit", zap.Error(werr))
	}
	log.Info("shutting down consumer...")
	stop()
	if svc.Producer != nil {
		svc.Producer.WaitClosed()
	}
	cleanup()
	if werr != nil {
		os.Exit(1)
	}
}
