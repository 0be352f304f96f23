package bus

import "context"

// Sender transmits an envelope to the queue named by its Recipient header.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Provider is the transport-agnostic contract between the bus and a message queue.
//
// Connect starts receiving from the local queue in the background and must not block.
// Disconnect stops accepting new messages, waits for in-flight handlers and releases the queue.
// Close disconnects with a bounded wait. Providers deliver at least once; ordering across
// recipients is not guaranteed.
type Provider interface {
	Sender
	TransportMediumName() string
	Connect(ctx context.Context, local EndpointAddress, onArrived EnvelopeHandler) error
	Disconnect(ctx context.Context) error
	Close() error
}
