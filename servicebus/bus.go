package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
	"github.com/next-trace/jitney/pipeline"
)

var (
	errAlreadyStarted = errors.New("servicebus: already started")
	errNotStarted     = errors.New("servicebus: not started")
)

// Bus sends commands, publishes events and dispatches what the provider receives on the
// local queue. It is safe for concurrent use once built.
type Bus struct {
	config     *configuration
	handlers   *Handlers
	provider   cbus.Provider
	outgoing   *pipeline.Outgoing
	incoming   *pipeline.Incoming
	repository *eventsourcing.Repository
	logger     *slog.Logger

	autoSubscribe bool

	mu      sync.Mutex
	started bool
}

// Send routes cmd to the endpoint owning its type.
func (b *Bus) Send(ctx context.Context, cmd cbus.Command) error {
	return b.outgoing.Invoke(ctx, cmd)
}

// Publish sends e to every subscribed endpoint. No subscriber is not an error.
func (b *Bus) Publish(ctx context.Context, e cbus.Event) error {
	return b.outgoing.Invoke(ctx, e)
}

// Subscribe asks the publisher of the type of sample to deliver such events to this endpoint.
// A type published locally is subscribed directly in the store.
func (b *Bus) Subscribe(ctx context.Context, sample cbus.Event) error {
	return b.subscribe(ctx, codec.NameOf(sample))
}

func (b *Bus) subscribe(ctx context.Context, messageType string) error {
	publisher, err := b.config.ConsumingEndpointAddress(messageType)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messageType, err)
	}

	if publisher.Equal(b.config.local) {
		return b.config.store.Subscribe(ctx, messageType, b.config.local)
	}

	return b.outgoing.Invoke(ctx, cbus.SubscriptionMessage{
		Recipient:           b.config.local,
		MessageTypeFullName: messageType,
	})
}

// Start connects the provider to the local queue and, unless disabled, subscribes to every
// event type a bounded context handles and a route names a publisher for.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errAlreadyStarted
	}

	if err := b.provider.Connect(ctx, b.config.local, b.incoming.Invoke); err != nil {
		return fmt.Errorf("start %s: %w", b.config.local, err)
	}

	b.started = true

	b.logger.InfoContext(ctx, "bus started",
		slog.String("queue", b.config.local.String()),
		slog.String("medium", b.provider.TransportMediumName()),
	)

	if !b.autoSubscribe {
		return nil
	}

	var errs []error

	for _, t := range b.handlers.EventTypes() {
		err := b.subscribe(ctx, t)
		if errors.Is(err, berr.ErrRouteNotFound) {
			b.logger.DebugContext(ctx, "no publisher route", slog.String("type", t))
			continue
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Stop disconnects from the local queue, waiting for in-flight handlers until ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return errNotStarted
	}

	b.started = false

	return b.provider.Disconnect(ctx)
}

// Close disconnects with the provider's bounded wait and releases the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = false

	return b.provider.Close()
}

// Repository is the event-sourced repository handed to bounded contexts.
func (b *Bus) Repository() *eventsourcing.Repository { return b.repository }

// Handlers is the handler registry.
func (b *Bus) Handlers() *Handlers { return b.handlers }

// Configuration is the routing view used by the pipelines.
func (b *Bus) Configuration() pipeline.Configuration { return b.config }

// Pipelines returns the step names of the outgoing and incoming pipelines.
func (b *Bus) Pipelines() (outgoing, incoming [2][]string) {
	om, oe := b.outgoing.Steps()
	ie, im := b.incoming.Steps()

	return [2][]string{om, oe}, [2][]string{ie, im}
}

// TransportMediumName names the transport behind the provider.
func (b *Bus) TransportMediumName() string { return b.provider.TransportMediumName() }
