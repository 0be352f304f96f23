package bus

import "context"

// CommandHandler handles commands of type C.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler[C Command] interface {
	Handle(ctx context.Context, c C) error
}

// EventHandler handles events of type E. Handlers must tolerate redelivery.
type EventHandler[E Event] interface {
	Handle(ctx context.Context, e E) error
}

// EnvelopeHandler is invoked by a Provider for every envelope received on the local queue.
type EnvelopeHandler func(ctx context.Context, env Envelope) error
