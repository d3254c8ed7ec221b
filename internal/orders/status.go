package orders

type Status string

const (
	StatusPending         Status = "pending"
	StatusConfirmed       Status = "confirmed"
	StatusProcessing      Status = "processing" // legacy alias of confirmed
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
	StatusReturned        Status = "returned"
	StatusReturnRequested Status = "return_requested"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:         {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:       {StatusShipped: true, StatusCancelled: true},
	StatusProcessing:      {StatusShipped: true, StatusCancelled: true},
	StatusShipped:         {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:       {StatusReturnRequested: true},
	StatusCancelled:       {StatusRefunded: true},
	StatusRefunded:        {},
	StatusReturned:        {StatusRefunded: true},
	StatusReturnRequested: {StatusReturned: true, StatusCancelled: true},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Valid reports whether s is a known order status.
func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// Next lists the statuses reachable from s in one transition.
func (s Status) Next() []Status {
	out := make([]Status, 0, len(validNext[s]))
	for _, to := range AllStatuses {
		if validNext[s][to] {
			out = append(out, to)
		}
	}
	return out
}

// AllStatuses is the declaration order, used for stable listings.
var AllStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusRefunded,
	StatusReturned,
	StatusReturnRequested,
}

// ProcessType classifies a history row as part of the order flow or the
// return flow.
type ProcessType string

const (
	ProcessOrder  ProcessType = "order"
	ProcessReturn ProcessType = "return"
)

// ProcessTypeFor decides the history process type of a transition.
func ProcessTypeFor(from, to Status) ProcessType {
	switch to {
	case StatusReturnRequested, StatusReturned:
		return ProcessReturn
	case StatusRefunded:
		if from == StatusReturned {
			return ProcessReturn
		}
	}
	return ProcessOrder
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Refundable reports whether a refund may be issued against this payment.
func (p PaymentStatus) Refundable() bool {
	return p == PaymentPaid
}
