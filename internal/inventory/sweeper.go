package inventory

import (
	"context"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/metrics"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"go.uber.org/zap"
)

const DefaultSweepInterval = 60 * time.Second

// Sweeper deletes expired reservations on a fixed interval. Reads already
// ignore expired holds, so sweeping only reclaims rows. Several sweepers may
// run against one store.
type Sweeper struct {
	Store    store.Store
	Log      *zap.Logger
	Interval time.Duration
	Now      func() time.Time
}

func NewSweeper(st store.Store, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{Store: st, Log: log, Interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done. A
// failed sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	s.Log.Info("reservation sweeper started", zap.Duration("interval", interval))
	for {
		_, _ = s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			s.Log.Info("reservation sweeper stopped")
			return nil
		case <-t.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	n, err := s.Store.DeleteExpiredReservations(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			metrics.SweepErrors.Inc()
			s.Log.Warn("sweep expired reservations", zap.Error(err))
		}
		return 0, err
	}
	if n > 0 {
		metrics.SweptReservations.Add(float64(n))
		s.Log.Info("swept expired reservations", zap.Int64("deleted", n))
	}
	return n, nil
}
