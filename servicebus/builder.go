package servicebus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
	esmemory "github.com/next-trace/jitney/eventstore/memory"
	"github.com/next-trace/jitney/pipeline"
	submemory "github.com/next-trace/jitney/subscription/memory"
)

var errNoProvider = errors.New("servicebus: no provider registered")

// BoundedContext registers the handlers of one application module. Configure is called once,
// while the bus is built.
type BoundedContext interface {
	Name() string
	Configure(handlers *Handlers, repository *eventsourcing.Repository) error
}

// ProviderFactory creates the transport provider once the envelope codec is known.
type ProviderFactory func(c *codec.EnvelopeCodec) (cbus.Provider, error)

// Builder assembles a Bus. It is not safe for concurrent use.
type Builder struct {
	local    cbus.EndpointAddress
	types    *codec.Registry
	codec    *codec.EnvelopeCodec
	routes   map[string]cbus.EndpointAddress
	store    cbus.SubscriptionStore
	provider ProviderFactory
	contexts []BoundedContext
	logger   *slog.Logger

	eventStore *eventsourcing.Store
	repoOpts   []eventsourcing.RepositoryOption

	outgoingMessage  []pipeline.OutgoingMessageStep
	outgoingEnvelope []pipeline.OutgoingEnvelopeStep
	incomingEnvelope []pipeline.IncomingEnvelopeStep
	incomingMessage  []pipeline.IncomingMessageStep

	auditQueue         string
	auditSubscriptions bool
	errorQueue         string
	autoSubscribe      bool

	errs []error
}

func NewBuilder() *Builder {
	types := codec.NewRegistry()

	return &Builder{
		types:         types,
		codec:         codec.NewEnvelopeCodec(types),
		routes:        map[string]cbus.EndpointAddress{},
		logger:        slog.New(slog.DiscardHandler),
		autoSubscribe: true,
	}
}

// Codec is the envelope codec shared by the bus and its provider. Types bound as handlers or
// mapped as contracts are registered with it.
func (b *Builder) Codec() *codec.EnvelopeCodec { return b.codec }

// DefineLocalEndpointAddress sets the queue this endpoint receives from ("queue" or "queue@machine").
func (b *Builder) DefineLocalEndpointAddress(name string) *Builder {
	b.local = cbus.ParseEndpointAddress(name)
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	if l != nil {
		b.logger = l
	}

	return b
}

// AddPipelineStep appends step to the stage matching its context type. Anything that is not a
// pipeline step is reported by Build as ErrInvalidStep.
func (b *Builder) AddPipelineStep(step any) *Builder {
	switch s := step.(type) {
	case pipeline.OutgoingMessageStep:
		return b.AddOutgoingMessageStep(s)
	case pipeline.OutgoingEnvelopeStep:
		return b.AddOutgoingEnvelopeStep(s)
	case pipeline.IncomingEnvelopeStep:
		return b.AddIncomingEnvelopeStep(s)
	case pipeline.IncomingMessageStep:
		return b.AddIncomingMessageStep(s)
	default:
		b.errs = append(b.errs, fmt.Errorf("add pipeline step %T: %w", step, berr.ErrInvalidStep))
		return b
	}
}

func (b *Builder) AddOutgoingMessageStep(s pipeline.OutgoingMessageStep) *Builder {
	b.outgoingMessage = append(b.outgoingMessage, s)
	return b
}

func (b *Builder) AddOutgoingEnvelopeStep(s pipeline.OutgoingEnvelopeStep) *Builder {
	b.outgoingEnvelope = append(b.outgoingEnvelope, s)
	return b
}

func (b *Builder) AddIncomingEnvelopeStep(s pipeline.IncomingEnvelopeStep) *Builder {
	b.incomingEnvelope = append(b.incomingEnvelope, s)
	return b
}

func (b *Builder) AddIncomingMessageStep(s pipeline.IncomingMessageStep) *Builder {
	b.incomingMessage = append(b.incomingMessage, s)
	return b
}

// UseAuditQueue forwards a copy of every successfully handled message to queue.
func (b *Builder) UseAuditQueue(queue string) *Builder {
	b.auditQueue = queue
	return b
}

// AuditSubscriptionMessages includes subscription messages in the audit queue.
func (b *Builder) AuditSubscriptionMessages() *Builder {
	b.auditSubscriptions = true
	return b
}

// UseErrorQueue forwards every envelope whose handling failed to queue.
func (b *Builder) UseErrorQueue(queue string) *Builder {
	b.errorQueue = queue
	return b
}

// ContractMapping routes a set of message types to an endpoint.
type ContractMapping struct {
	b     *Builder
	types []string
}

// MapContracts starts a route for the types of samples. Complete it with ToMe or To.
func (b *Builder) MapContracts(samples ...cbus.Message) *ContractMapping {
	m := &ContractMapping{b: b}

	for _, s := range samples {
		if err := b.types.Register(s); err != nil {
			b.errs = append(b.errs, fmt.Errorf("map contract %T: %w", s, err))
			continue
		}

		m.types = append(m.types, codec.NameOf(s))
	}

	return m
}

// ToMe routes the contracts to the local endpoint.
func (m *ContractMapping) ToMe() *Builder {
	for _, t := range m.types {
		m.b.routes[t] = cbus.EndpointAddress{}
	}

	return m.b
}

// To routes the contracts to the endpoint named addr ("queue" or "queue@machine").
func (m *ContractMapping) To(addr string) *Builder {
	for _, t := range m.types {
		m.b.routes[t] = cbus.ParseEndpointAddress(addr)
	}

	return m.b
}

// SetSubscriptionStore sets where event subscriptions are kept. Defaults to memory.
func (b *Builder) SetSubscriptionStore(s cbus.SubscriptionStore) *Builder {
	b.store = s
	return b
}

// Register sets the factory creating the transport provider.
func (b *Builder) Register(f ProviderFactory) *Builder {
	b.provider = f
	return b
}

// UseProvider sets an already created provider. It must decode with Codec().
func (b *Builder) UseProvider(p cbus.Provider) *Builder {
	return b.Register(func(*codec.EnvelopeCodec) (cbus.Provider, error) { return p, nil })
}

// AddBoundedContext adds modules whose handlers are registered by Build.
func (b *Builder) AddBoundedContext(bcs ...BoundedContext) *Builder {
	b.contexts = append(b.contexts, bcs...)
	return b
}

// UseEventStore sets the store behind the repository handed to bounded contexts. Defaults to
// memory. The repository publishes saved events through the bus.
func (b *Builder) UseEventStore(s *eventsourcing.Store, opts ...eventsourcing.RepositoryOption) *Builder {
	b.eventStore = s
	b.repoOpts = append(b.repoOpts, opts...)

	return b
}

// DisableAutoSubscribe stops Start from subscribing to the events bound locally.
func (b *Builder) DisableAutoSubscribe() *Builder {
	b.autoSubscribe = false
	return b
}

// Build validates the configuration, creates the provider and pipelines and configures every
// bounded context. Configuration errors are returned before any I/O.
func (b *Builder) Build() (bus *Bus, err error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	if b.local.IsZero() {
		return nil, fmt.Errorf("build: %w", berr.ErrLocalAddressMissing)
	}

	if b.provider == nil {
		return nil, fmt.Errorf("build: %w", errors.Join(berr.ErrNotConnected, errNoProvider))
	}

	routes := make(map[string]cbus.EndpointAddress, len(b.routes))
	for t, addr := range b.routes {
		if addr.IsZero() {
			addr = b.local
		}

		routes[t] = addr
	}

	store := b.store
	if store == nil {
		store = submemory.New()
	}

	provider, err := b.provider(b.codec)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	defer func() {
		if err == nil {
			return
		}

		if cerr := provider.Close(); cerr != nil {
			b.logger.Warn("closing provider after failed build", slog.Any("error", cerr))
		}
	}()

	config := newConfiguration(b.local, routes, store)
	handlers := newHandlers(b.types)

	bus = &Bus{
		config:        config,
		handlers:      handlers,
		provider:      provider,
		logger:        b.logger,
		autoSubscribe: b.autoSubscribe,
	}

	incomingEnvelope, incomingMessage, err := b.queueSteps(provider)
	if err != nil {
		return nil, err
	}

	bus.outgoing = pipeline.NewOutgoing(config, provider,
		pipeline.WithOutgoingMessageSteps(b.outgoingMessage...),
		pipeline.WithOutgoingEnvelopeSteps(b.outgoingEnvelope...),
		pipeline.WithOutgoingLogger(b.logger),
	)
	bus.incoming = pipeline.NewIncoming(config, dispatcher{handlers: handlers, store: store},
		pipeline.WithIncomingEnvelopeSteps(incomingEnvelope...),
		pipeline.WithIncomingMessageSteps(incomingMessage...),
		pipeline.WithIncomingLogger(b.logger),
	)

	eventStore := b.eventStore
	if eventStore == nil {
		eventStore = eventsourcing.NewStore(esmemory.New())
	}

	opts := append([]eventsourcing.RepositoryOption{
		eventsourcing.WithLogger(b.logger),
		eventsourcing.WithPublisher(eventsourcing.PublisherFunc(bus.Publish)),
	}, b.repoOpts...)
	bus.repository = eventsourcing.NewRepository(eventStore, opts...)

	for _, bc := range b.contexts {
		if err := bc.Configure(handlers, bus.repository); err != nil {
			return nil, fmt.Errorf("configure %s: %w", bc.Name(), err)
		}

		b.logger.Debug("bounded context configured", slog.String("context", bc.Name()))
	}

	return bus, nil
}

// queueSteps puts the error queue outermost on the envelope stage and the audit queue outermost
// on the message stage, ahead of user steps.
func (b *Builder) queueSteps(sender cbus.Sender) ([]pipeline.IncomingEnvelopeStep, []pipeline.IncomingMessageStep, error) {
	envelope := b.incomingEnvelope
	message := b.incomingMessage

	if b.errorQueue != "" {
		s, err := pipeline.NewErrorQueueStep(b.errorQueue, sender)
		if err != nil {
			return nil, nil, err
		}

		envelope = append([]pipeline.IncomingEnvelopeStep{s.WithLogger(b.logger)}, envelope...)
	}

	if b.auditQueue != "" {
		s, err := pipeline.NewAuditQueueStep(b.auditQueue, sender)
		if err != nil {
			return nil, nil, err
		}

		if b.auditSubscriptions {
			s = s.WithSubscriptionMessages()
		}

		message = append([]pipeline.IncomingMessageStep{s}, message...)
	}

	return envelope, message, nil
}
