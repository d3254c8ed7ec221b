// Package app wires the services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/ariefcatur/storefront-inventory/internal/checkout"
	"github.com/ariefcatur/storefront-inventory/internal/config"
	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	kafkax "github.com/ariefcatur/storefront-inventory/internal/kafka"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/memstore"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/postgres"
	"github.com/ariefcatur/storefront-inventory/internal/redisx"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Services struct {
	Store        store.Store
	Ledger       *inventory.Ledger
	Reservations *inventory.Reservations
	Sweeper      *inventory.Sweeper
	Machine      *lifecycle.Machine
	Coordinator  *checkout.Coordinator
	Publisher    notify.Publisher

	// Nil when the matching integration is disabled.
	Producer *kafkax.Producer
	Redis    *redis.Client
	Cache    *redisx.StatusCache
}

// New connects the configured store, redis and kafka producer and builds the
// services on top of them. The returned func releases every connection; the
// producer must already be stopped through its context.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Services, func(), error) {
	st, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	s := &Services{Store: st}
	closers := []func(){closeStore}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var cache lifecycle.StatusCache
	if cfg.RedisEnabled() {
		s.Redis = redisx.New(cfg.RedisAddr)
		closers = append(closers, func() { _ = s.Redis.Close() })
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		s.Cache = redisx.NewStatusCache(s.Redis)
		cache = s.Cache
	}

	if cfg.KafkaEnabled() {
		s.Producer = kafkax.NewProducer(cfg.KafkaBrokers, cfg.ProducerBuf, log.Named("producer"))
		s.Producer.Start(ctx)
		s.Publisher = &notify.KafkaPublisher{Producer: s.Producer, Service: cfg.ServiceName, Log: log}
	} else {
		s.Publisher = notify.LogPublisher{Log: log.Named("events")}
	}

	s.Ledger = inventory.NewLedger(st, s.Publisher, log.Named("ledger"))
	s.Ledger.LowStockThreshold = cfg.LowStockThreshold
	s.Reservations = inventory.NewReservations(st, log.Named("reservations"))
	s.Reservations.TTL = cfg.ReservationTTL
	s.Sweeper = inventory.NewSweeper(st, cfg.SweepInterval, log.Named("sweeper"))
	s.Machine = lifecycle.NewMachine(st, s.Ledger, s.Publisher, cache, log.Named("lifecycle"))
	s.Coordinator = checkout.NewCoordinator(st, s.Ledger, s.Machine, log.Named("checkout"))
	return s, cleanup, nil
}

func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory store; data is lost on exit")
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
	}
	return postgres.NewStore(pool), pool.Close, nil
}
