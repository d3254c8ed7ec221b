package orders

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:         {StatusConfirmed, StatusCancelled},
		StatusConfirmed:       {StatusShipped, StatusCancelled},
		StatusProcessing:      {StatusShipped, StatusCancelled},
		StatusShipped:         {StatusDelivered, StatusCancelled},
		StatusDelivered:       {StatusReturnRequested},
		StatusCancelled:       {StatusRefunded},
		StatusRefunded:        {},
		StatusReturned:        {StatusRefunded},
		StatusReturnRequested: {StatusReturned, StatusCancelled},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, a := range allowed[from] {
				want = want || a == to
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusRefunded.Terminal())
	assert.False(t, StatusDelivered.Terminal())
	assert.False(t, Status("lost").Valid())
	assert.False(t, CanTransition("lost", StatusConfirmed))
	assert.Equal(t, []Status{StatusShipped, StatusCancelled}, StatusConfirmed.Next())
}

func TestProcessTypeFor(t *testing.T) {
	assert.Equal(t, ProcessReturn, ProcessTypeFor(StatusDelivered, StatusReturnRequested))
	assert.Equal(t, ProcessReturn, ProcessTypeFor(StatusReturnRequested, StatusReturned))
	assert.Equal(t, ProcessReturn, ProcessTypeFor(StatusReturned, StatusRefunded))
	assert.Equal(t, ProcessOrder, ProcessTypeFor(StatusCancelled, StatusRefunded))
	assert.Equal(t, ProcessOrder, ProcessTypeFor(StatusConfirmed, StatusShipped))
}

func TestRefundable(t *testing.T) {
	assert.True(t, PaymentPaid.Refundable())
	for _, p := range []PaymentStatus{PaymentPending, PaymentFailed, PaymentRefunded} {
		assert.False(t, p.Refundable(), p)
	}
}

func TestMergeItems(t *testing.T) {
	got, err := MergeItems([]ItemQty{{"b", 1}, {"a", 2}, {"b", 3}})
	require.NoError(t, err)
	assert.Equal(t, []ItemQty{{"a", 2}, {"b", 4}}, got)

	for _, bad := range [][]ItemQty{nil, {{"a", 0}}, {{"a", -1}}, {{"", 1}}} {
		_, err := MergeItems(bad)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	var err error = &StockError{Code: ErrStockUnavailable, Details: []StockRejectedDetail{{ProductID: "p1", Required: 3, Available: 1}}}
	wrapped := fmt.Errorf("commit: %w", err)
	assert.ErrorIs(t, wrapped, ErrStockUnavailable)
	assert.NotErrorIs(t, wrapped, ErrInsufficientStock)
	var se *StockError
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, "p1", se.Details[0].ProductID)
	assert.Contains(t, err.Error(), "p1 required=3 available=1")

	te := fmt.Errorf("x: %w", &TransitionError{From: StatusDelivered, To: StatusProcessing})
	assert.ErrorIs(t, te, ErrInvalidTransition)
	assert.Contains(t, te.Error(), "delivered -> processing")
}
