package orders

const (
	TopicPaymentSucceeded         = "payment.succeeded"
	TopicPaymentFailed            = "payment.failed"
	TopicLowStock                 = "inventory.low_stock"
	TopicOrderStatusChanged       = "order.status.changed"
	TopicRefundRequested          = "payment.refund.requested"
	TopicPaymentReversalRequested = "payment.reversal.requested"
)

// Partition key = order_id (or product_id for stock events), so all events of
// one entity keep their order.
func PartitionKey(id string) []byte { return []byte(id) }
