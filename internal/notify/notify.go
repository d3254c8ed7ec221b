// Package notify delivers outbound events to the notification and payment
// collaborators. Delivery is fire-and-forget: publishers never block and
// never return errors to the core.
package notify

import (
	"context"
	"sync"

	kafkax "github.com/ariefcatur/storefront-inventory/internal/kafka"
	"github.com/ariefcatur/storefront-inventory/internal/metrics"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, ev orders.Event)
}

// PublishAll hands every event to pub. It is called after the transaction
// that produced the events has committed.
func PublishAll(ctx context.Context, pub Publisher, evs []orders.Event) {
	if pub == nil {
		return
	}
	for _, ev := range evs {
		pub.Publish(ctx, ev)
	}
}

// KafkaPublisher wraps each event in a v1 envelope and enqueues it on the
// async producer.
type KafkaPublisher struct {
	Producer *kafkax.Producer
	Service  string
	Log      *zap.Logger
}

func (k *KafkaPublisher) Publish(_ context.Context, ev orders.Event) {
	env, err := kafkax.NewEnvelope(ev.Type, k.Service, ev.Key, ev.Payload)
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues(ev.Type).Inc()
		k.Log.Error("encode event", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	if !k.Producer.Publish(ev.Topic, orders.PartitionKey(ev.Key), kafkax.MustMarshal(env), kafkax.EventHeaders(ev.Type)...) {
		metrics.NotificationsDropped.WithLabelValues(ev.Type).Inc()
		return
	}
	metrics.NotificationsPublished.WithLabelValues(ev.Type).Inc()
}

// LogPublisher only logs events; used when no broker is configured.
type LogPublisher struct{ Log *zap.Logger }

func (l LogPublisher) Publish(_ context.Context, ev orders.Event) {
	l.Log.Info("event", zap.String("event_type", ev.Type), zap.String("topic", ev.Topic),
		zap.String("key", ev.Key), zap.Any("payload", ev.Payload))
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []orders.Event
}

func (r *Recorder) Publish(_ context.Context, ev orders.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []orders.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]orders.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t string) []orders.Event {
	var out []orders.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
