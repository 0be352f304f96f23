package servicebus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/pipeline"
)

// CommandHandlerFunc adapts a function into a cbus.CommandHandler.
type CommandHandlerFunc[C cbus.Command] func(ctx context.Context, c C) error

func (f CommandHandlerFunc[C]) Handle(ctx context.Context, c C) error { return f(ctx, c) }

// EventHandlerFunc adapts a function into a cbus.EventHandler.
type EventHandlerFunc[E cbus.Event] func(ctx context.Context, e E) error

func (f EventHandlerFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }

// Handlers is the registration surface handed to bounded contexts. Registration is additive
// and keyed by full type name; the registered types also become decodable by the transports.
type Handlers struct {
	mu       sync.RWMutex
	types    *codec.Registry
	commands map[string]func(ctx context.Context, msg cbus.Message) error
	events   map[string][]func(ctx context.Context, msg cbus.Message) error
}

func newHandlers(types *codec.Registry) *Handlers {
	return &Handlers{
		types:    types,
		commands: map[string]func(context.Context, cbus.Message) error{},
		events:   map[string][]func(context.Context, cbus.Message) error{},
	}
}

// BindCommand registers the handler of command type C. A command has a single owner:
// a second binding for the same type is rejected with ErrHandlerExists.
func BindCommand[C cbus.Command](h *Handlers, handler cbus.CommandHandler[C]) error {
	name := codec.NameFor[C]()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.commands[name]; exists {
		return fmt.Errorf("bind command %s: %w", name, berr.ErrHandlerExists)
	}

	var zero C
	if err := h.types.Register(zero); err != nil {
		return fmt.Errorf("bind command %s: %w", name, err)
	}

	h.commands[name] = func(ctx context.Context, msg cbus.Message) error {
		c, ok := msg.(C)
		if !ok {
			return fmt.Errorf("dispatch %T: %w", msg, berr.ErrHandlerTypeMismatch)
		}

		return handler.Handle(ctx, c)
	}

	return nil
}

// BindEvent adds a handler for event type E. Any number of handlers may be bound.
func BindEvent[E cbus.Event](h *Handlers, handler cbus.EventHandler[E]) error {
	name := codec.NameFor[E]()

	h.mu.Lock()
	defer h.mu.Unlock()

	var zero E
	if err := h.types.Register(zero); err != nil {
		return fmt.Errorf("bind event %s: %w", name, err)
	}

	h.events[name] = append(h.events[name], func(ctx context.Context, msg cbus.Message) error {
		e, ok := msg.(E)
		if !ok {
			return fmt.Errorf("publish %T: %w", msg, berr.ErrHandlerTypeMismatch)
		}

		return handler.Handle(ctx, e)
	})

	return nil
}

// HasCommandHandler reports whether messageType has a command handler.
func (h *Handlers) HasCommandHandler(messageType string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.commands[messageType]

	return ok
}

// EventTypes lists the event types with at least one handler, sorted.
func (h *Handlers) EventTypes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.events))
	for name := range h.events {
		out = append(out, name)
	}

	slices.Sort(out)

	return out
}

// dispatcher resolves the handlers of a received message by intent.
type dispatcher struct {
	handlers *Handlers
	store    cbus.SubscriptionStore
}

var _ pipeline.Dispatcher = dispatcher{}

func (d dispatcher) Dispatch(ctx context.Context, mc *pipeline.IncomingMessageContext) error {
	msg := mc.Message()
	name := codec.NameOf(msg)

	switch mc.Intent() {
	case cbus.IntentCommand:
		d.handlers.mu.RLock()
		fn, ok := d.handlers.commands[name]
		d.handlers.mu.RUnlock()

		if !ok {
			return fmt.Errorf("dispatch %s: %w", name, berr.ErrHandlerNotFound)
		}

		return fn(ctx, msg)
	case cbus.IntentEvent:
		d.handlers.mu.RLock()
		fns := slices.Clone(d.handlers.events[name])
		d.handlers.mu.RUnlock()

		var errs []error

		for _, fn := range fns {
			if err := fn(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	case cbus.IntentSubscription:
		sub, ok := subscriptionOf(msg)
		if !ok {
			return fmt.Errorf("dispatch %s: %w", name, berr.ErrHandlerTypeMismatch)
		}

		return d.store.Subscribe(ctx, sub.MessageTypeFullName, sub.Recipient)
	default:
		return fmt.Errorf("dispatch %s: %w", name, berr.ErrUnknownIntent)
	}
}

func subscriptionOf(msg cbus.Message) (cbus.SubscriptionMessage, bool) {
	switch m := msg.(type) {
	case cbus.SubscriptionMessage:
		return m, true
	case *cbus.SubscriptionMessage:
		if m != nil {
			return *m, true
		}
	}

	return cbus.SubscriptionMessage{}, false
}
