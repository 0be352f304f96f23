package bus

import "context"

// SubscriptionMessage announces that Recipient wants events of MessageTypeFullName.
// It is sent to the publisher of that type; its intent is always IntentSubscription.
type SubscriptionMessage struct {
	Recipient           EndpointAddress `json:"recipient"`
	MessageTypeFullName string          `json:"messageTypeFullName"`
}

// SubscriptionStore persists which endpoints subscribed to which event types.
// Implementations must be safe for concurrent use and idempotent on repeated Subscribe.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, messageType string, subscriber EndpointAddress) error
	Subscribers(ctx context.Context, messageType string) ([]EndpointAddress, error)
}
