package notify

import "context"

type DeliveryResult struct {
	Delivered bool
	MessageID string
}

// Notifier is the outbound channel abstraction. Concrete channels (chat,
// push) live behind it so the escalation engine never sees wire formats.
type Notifier interface {
	Send(ctx context.Context, recipient, message string) (DeliveryResult, error)
}
