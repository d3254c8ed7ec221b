package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/app"
	"github.com/ariefcatur/storefront-inventory/internal/config"
	"github.com/ariefcatur/storefront-inventory/internal/httpx"
	"github.com/ariefcatur/storefront-inventory/internal/logger"
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
	log := logger.New(cfg.ServiceName+"-api", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap", zap.Error(err))
	}

	router := httpx.NewRouter(log, svc.Store)
	ih := &httpx.InventoryHandler{
		Store:        svc.Store,
		Ledger:       svc.Ledger,
		Reservations: svc.Reservations,
		Log:          log,
	}
	ih.Register(router)
	oh := &httpx.OrdersHandler{
		Store:       svc.Store,
		Coordinator: svc.Coordinator,
		Machine:     svc.Machine,
		Cache:       svc.Cache,
		Log:         log,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.SweeperEnabled {
		g.Go(func() error { return svc.Sweeper.Run(gctx) })
	}

	werr := g.Wait()
	if werr != nil {
		log.Error("api exit", zap.Error(werr))
	}
	// cancelling ctx makes the producer drain and close
	stop()
	if svc.Producer != nil {
		svc.Producer.WaitClosed()
	}
	cleanup()
	if werr != nil {
		os.Exit(1)
	}
}
