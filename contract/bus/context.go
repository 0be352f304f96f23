package bus

import "context"

// HeaderPropagator carries trace context across process boundaries inside envelope headers.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	// Inject writes the trace context of ctx into headers.
	Inject(ctx context.Context, headers map[string]string)
	// Extract returns ctx enriched with the trace context found in headers.
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator propagates nothing. It is the default when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
