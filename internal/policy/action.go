package policy

// Action is the result of a matching rule.
type Action string

const (
	// ActionAccept admits the connection attempt without a token
	// exchange.
	ActionAccept Action = "accept"
	// ActionRetry demands address validation before admission.
	ActionRetry Action = "retry"
	// ActionDrop discards the datagram silently.
	ActionDrop Action = "drop"
)
