package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_total",
		Help: "Reserve calls by result (ok, rejected, error).",
	}, []string{"result"})

	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_commits_total",
		Help: "Commit calls by result (ok, replayed, unavailable, error).",
	}, []string{"result"})

	Movements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_stock_movements_total",
		Help: "Ledger movements written, by movement type.",
	}, []string{"type"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_status_transitions_total",
		Help: "Accepted order status transitions by target status.",
	}, []string{"to"})

	TransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_status_transitions_rejected_total",
		Help: "Rejected order status transitions by reason.",
	}, []string{"reason"})

	SweptReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reservations_swept_total",
		Help: "Expired reservations deleted by the sweeper.",
	})

	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_sweep_errors_total",
		Help: "Sweeper iterations that failed.",
	})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Outbound events accepted by the producer.",
	}, []string{"event_type"})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dropped_total",
		Help: "Outbound events dropped before reaching the broker.",
	}, []string{"event_type"})

	TxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inventory_tx_duration_seconds",
		Help:    "Duration of the locked transaction per operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// ObserveTx records the time since start under op. Use with defer.
func ObserveTx(op string, start time.Time) {
	TxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
