// Package worker reacts to payment outcomes published by the payment
// collaborator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/storefront-inventory/internal/checkout"
	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	kafkax "github.com/ariefcatur/storefront-inventory/internal/kafka"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Deduper tracks processed event ids. A nil Deduper disables dedup and relies
// on commit idempotency alone.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Payments struct {
	Coordinator  *checkout.Coordinator
	Reservations *inventory.Reservations
	Publisher    notify.Publisher
	Dedup        Deduper
	Log          *zap.Logger
}

// Topics consumed by Handle.
var Topics = []string{orders.TopicPaymentSucceeded, orders.TopicPaymentFailed}

// Handle is a kafka.Handler. Returning an error makes the consumer retry the
// same event; nothing later on its partition is committed until it succeeds.
func (p *Payments) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// a malformed message would never decode on retry
		p.Log.Error("drop undecodable message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	if p.Dedup != nil && env.EventID != "" {
		seen, err := p.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			p.Log.Warn("dedup lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
		if seen {
			return nil
		}
	}

	var err error
	switch env.EventType {
	case orders.EventPaymentSucceeded:
		err = p.succeeded(ctx, env)
	case orders.EventPaymentFailed:
		err = p.failed(ctx, env)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	if p.Dedup != nil && env.EventID != "" {
		if err := p.Dedup.Mark(ctx, env.EventID); err != nil {
			p.Log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}

func (p *Payments) succeeded(ctx context.Context, env orders.Envelope) error {
	pl, err := kafkax.UnwrapPayload[orders.PaymentSucceededPayload](env.Payload)
	if err != nil {
		p.Log.Error("drop payment event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	res, err := p.Coordinator.Commit(ctx, checkout.CommitRequest{
		SessionID:  pl.SessionID,
		OrderID:    pl.OrderID,
		UserID:     pl.UserID,
		Items:      pl.Items,
		PaymentRef: pl.PaymentRef,
	})
	var se *orders.StockError
	switch {
	case err == nil:
		p.Log.Info("payment committed", zap.String("order_id", res.Order.ID), zap.Bool("replayed", res.Replayed))
		return nil
	case errors.As(err, &se) && errors.Is(err, orders.ErrStockUnavailable):
		p.Publisher.Publish(ctx, orders.Event{
			Type:  orders.EventPaymentReversalRequested,
			Topic: orders.TopicPaymentReversalRequested,
			Key:   pl.OrderID,
			Payload: orders.PaymentReversalRequestedPayload{
				OrderID:    pl.OrderID,
				SessionID:  pl.SessionID,
				PaymentRef: pl.PaymentRef,
				Reason:     "stock_unavailable",
				Details:    se.Details,
			},
		})
		return nil
	case errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, orders.ErrOrderIDRequired),
		errors.Is(err, orders.ErrProductNotFound):
		p.Log.Error("drop payment event", zap.String("event_id", env.EventID), zap.String("order_id", pl.OrderID), zap.Error(err))
		return nil
	}
	return fmt.Errorf("commit %s: %w", pl.OrderID, err)
}

func (p *Payments) failed(ctx context.Context, env orders.Envelope) error {
	pl, err := kafkax.UnwrapPayload[orders.PaymentFailedPayload](env.Payload)
	if err != nil {
		p.Log.Error("drop payment event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if pl.SessionID == "" {
		return nil
	}
	n, err := p.Reservations.Release(ctx, pl.SessionID)
	if err != nil {
		return err
	}
	p.Log.Info("payment failed, holds released",
		zap.String("session_id", pl.SessionID), zap.Int64("released", n), zap.String("reason", pl.Reason))
	return nil
}
