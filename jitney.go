// Package jitney assembles a bus from configuration: it selects the transport, the subscription
// store and the event store named by config.Config and hands the result to servicebus.
package jitney

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/next-trace/jitney/adapters/inmemory"
	"github.com/next-trace/jitney/adapters/kafka"
	"github.com/next-trace/jitney/adapters/nats"
	"github.com/next-trace/jitney/adapters/rabbitmq"
	"github.com/next-trace/jitney/codec"
	"github.com/next-trace/jitney/config"
	cbus "github.com/next-trace/jitney/contract/bus"
	"github.com/next-trace/jitney/eventsourcing"
	esmemory "github.com/next-trace/jitney/eventstore/memory"
	"github.com/next-trace/jitney/eventstore/postgres"
	"github.com/next-trace/jitney/servicebus"
	subredis "github.com/next-trace/jitney/subscription/redis"
	"github.com/next-trace/jitney/transport"
)

type options struct {
	logger    *slog.Logger
	contexts  []servicebus.BoundedContext
	types     []any
	configure []func(*servicebus.Builder)
	network   *inmemory.Network
}

// Option customizes New.
type Option func(*options)

// WithLogger replaces the JSON stderr logger built from the configured level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBoundedContexts adds the modules whose handlers the bus dispatches to.
func WithBoundedContexts(bcs ...servicebus.BoundedContext) Option {
	return func(o *options) { o.contexts = append(o.contexts, bcs...) }
}

// WithTypes registers event and snapshot types the event store must be able to read back.
func WithTypes(samples ...any) Option {
	return func(o *options) { o.types = append(o.types, samples...) }
}

// WithBuilder runs fn on the builder before it is built, e.g. to map contracts or add steps.
func WithBuilder(fn func(*servicebus.Builder)) Option {
	return func(o *options) { o.configure = append(o.configure, fn) }
}

// WithNetwork makes the in-memory transport join network instead of a private one.
func WithNetwork(n *inmemory.Network) Option {
	return func(o *options) { o.network = n }
}

// New builds a bus from cfg. The returned cleanup closes the bus and every store it opened;
// call it even when Start was never called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*servicebus.Bus, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	o := options{}
	for _, f := range opts {
		f(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	var cleanups []func()
	cleanup := func() {
		for _, c := range slices.Backward(cleanups) {
			c()
		}
	}

	b := servicebus.NewBuilder().
		DefineLocalEndpointAddress(cfg.LocalEndpoint).
		WithLogger(logger).
		AddBoundedContext(o.contexts...)

	for _, s := range o.types {
		if err := b.Codec().Registry().Register(s); err != nil {
			return nil, nil, fmt.Errorf("register %T: %w", s, err)
		}
	}

	if cfg.AuditQueue != "" {
		b.UseAuditQueue(cfg.AuditQueue)

		if cfg.AuditSubscriptions {
			b.AuditSubscriptionMessages()
		}
	}

	if cfg.ErrorQueue != "" {
		b.UseErrorQueue(cfg.ErrorQueue)
	}

	if cfg.SubscriptionStore == config.StoreRedis {
		store, closeStore, err := subredis.NewWithAddr(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}

		cleanups = append(cleanups, closeStore)
		b.SetSubscriptionStore(store)
	}

	backend, closeBackend, err := eventBackend(ctx, cfg, b.Codec().Registry())
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if closeBackend != nil {
		cleanups = append(cleanups, closeBackend)
	}

	var repoOpts []eventsourcing.RepositoryOption
	if cfg.SnapshotThreshold > 0 {
		repoOpts = append(repoOpts, eventsourcing.WithSnapshotPolicy(eventsourcing.Every(cfg.SnapshotThreshold)))
	}

	b.UseEventStore(eventsourcing.NewStore(backend), repoOpts...)

	b.Register(func(c *codec.EnvelopeCodec) (cbus.Provider, error) {
		return newProvider(ctx, cfg, c, logger, o.network)
	})

	for _, fn := range o.configure {
		fn(b)
	}

	bus, err := b.Build()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	cleanups = append(cleanups, func() {
		if err := bus.Close(); err != nil {
			logger.Warn("bus close", slog.String("error", err.Error()))
		}
	})

	return bus, cleanup, nil
}

func eventBackend(ctx context.Context, cfg config.Config, types *codec.Registry) (eventsourcing.Backend, func(), error) {
	if cfg.EventStore != config.StorePostgres {
		return esmemory.New(), nil, nil
	}

	return postgres.NewWithPool(ctx, cfg.PostgresDSN, types)
}

// newProvider returns the provider for cfg.Transport. Closing the provider closes the
// underlying connection.
func newProvider(
	ctx context.Context,
	cfg config.Config,
	c *codec.EnvelopeCodec,
	logger *slog.Logger,
	network *inmemory.Network,
) (cbus.Provider, error) {
	polling := []transport.Option{
		transport.WithLogger(logger),
		transport.WithMaxConcurrency(cfg.MaxConcurrency),
	}

	if cfg.PollInterval > 0 {
		polling = append(polling, transport.WithPollInterval(cfg.PollInterval))
	}

	if cfg.RedeliveryDelay > 0 {
		polling = append(polling, transport.WithRedeliveryDelay(cfg.RedeliveryDelay))
	}

	if cfg.DisposeTimeout > 0 {
		polling = append(polling, transport.WithDisposeTimeout(cfg.DisposeTimeout))
	}

	switch cfg.Transport {
	case config.TransportInMemory:
		if network == nil {
			network = inmemory.NewNetwork()
		}

		return transport.NewPollingProvider(network.Transport(), c, polling...), nil
	case config.TransportNATS:
		t, _, err := nats.NewWithNATS(ctx, nats.Config{
			URL:    cfg.NATSURL,
			Name:   cfg.LocalEndpoint,
			Stream: cfg.NATSStream,
		})
		if err != nil {
			return nil, err
		}

		return transport.NewPollingProvider(t, c, polling...), nil
	case config.TransportKafka:
		t, _, err := kafka.NewWithKgo(kafka.Config{
			Brokers:  cfg.KafkaBrokers,
			Group:    cfg.KafkaGroup,
			ClientID: cfg.LocalEndpoint,
			Local:    cbus.ParseEndpointAddress(cfg.LocalEndpoint),
		})
		if err != nil {
			return nil, err
		}

		return transport.NewPollingProvider(t, c, polling...), nil
	case config.TransportRabbitMQ:
		p, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: cfg.RabbitMQURL}, c)
		if err != nil {
			return nil, err
		}

		p.Logger = logger
		p.Prefetch = cfg.RabbitMQPrefetch
		p.RedeliveryDelay = cfg.RedeliveryDelay
		p.DisposeTimeout = cfg.DisposeTimeout

		return p, nil
	default:
		return nil, errors.Join(config.ErrInvalid, fmt.Errorf("transport %q", cfg.Transport))
	}
}
