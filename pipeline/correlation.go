package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CorrelationStack tracks correlation ids of one logical flow. An id is pushed when an inbound
// envelope arrives and popped once its message is handled; outgoing envelopes created meanwhile
// carry the top of the stack.
type CorrelationStack struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

// Push adds id on top.
func (s *CorrelationStack) Push(id uuid.UUID) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

// Peek returns the top id.
func (s *CorrelationStack) Peek() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ids) == 0 {
		return uuid.Nil, false
	}

	return s.ids[len(s.ids)-1], true
}

// Pop removes and returns the top id.
func (s *CorrelationStack) Pop() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ids) == 0 {
		return uuid.Nil, false
	}

	id := s.ids[len(s.ids)-1]
	s.ids = s.ids[:len(s.ids)-1]

	return id, true
}

// Depth is the number of ids on the stack.
func (s *CorrelationStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ids)
}

type correlationKey struct{}

// WithCorrelationStack returns a context carrying s.
func WithCorrelationStack(ctx context.Context, s *CorrelationStack) context.Context {
	return context.WithValue(ctx, correlationKey{}, s)
}

// CorrelationStackFrom returns the stack carried by ctx, or nil.
func CorrelationStackFrom(ctx context.Context) *CorrelationStack {
	s, _ := ctx.Value(correlationKey{}).(*CorrelationStack)
	return s
}

// CorrelationID returns the current correlation id of the flow carried by ctx.
func CorrelationID(ctx context.Context) (uuid.UUID, bool) {
	s := CorrelationStackFrom(ctx)
	if s == nil {
		return uuid.Nil, false
	}

	return s.Peek()
}

func ensureCorrelationStack(ctx context.Context) (context.Context, *CorrelationStack) {
	if s := CorrelationStackFrom(ctx); s != nil {
		return ctx, s
	}

	s := &CorrelationStack{}

	return WithCorrelationStack(ctx, s), s
}
