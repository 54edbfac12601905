package application

const (
	// eventTypeTransactionInitiated is emitted once an outbound action was acknowledged.
	eventTypeTransactionInitiated = "transaction.initiated"
	// eventTypeCallbackReceived is emitted after an inbound callback was stored.
	eventTypeCallbackReceived = "transaction.callback_received"
)
