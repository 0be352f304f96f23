package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/transport"
)

const (
	// Medium is the transport medium name.
	Medium = "rabbitmq"

	DefaultPrefetch = 16
)

var errAlreadyConnected = errors.New("rabbitmq: provider already connected")

type PubMsg struct {
	Queue   string
	Body    []byte
	Headers map[string]string
}

// Broker is the minimal AMQP surface the provider needs. NewWithAMQPConn provides a
// reconnecting one; tests provide fakes.
type Broker interface {
	// Publish stores m on its durable queue.
	Publish(ctx context.Context, m PubMsg) error
	// Consume delivers the entries of queue with manual acknowledgement until stop is called.
	Consume(ctx context.Context, queue string, prefetch int) (deliveries <-chan amqp.Delivery, stop func() error, err error)
	Close() error
}

// Provider implements cbus.Provider over a Broker.
type Provider struct {
	Broker          Broker
	Codec           *codec.EnvelopeCodec
	Propagator      cbus.HeaderPropagator // optional, for context propagation through AMQP headers
	Logger          *slog.Logger
	Prefetch        int
	RedeliveryDelay time.Duration
	DisposeTimeout  time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stop     func() error
	handlers sync.WaitGroup
}

var _ cbus.Provider = (*Provider)(nil)

func New(b Broker, c *codec.EnvelopeCodec) *Provider { return &Provider{Broker: b, Codec: c} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(b Broker, c *codec.EnvelopeCodec, hp cbus.HeaderPropagator) *Provider {
	return &Provider{Broker: b, Codec: c, Propagator: hp}
}

func (p *Provider) TransportMediumName() string { return Medium }

func (p *Provider) Connect(ctx context.Context, local cbus.EndpointAddress, onArrived cbus.EnvelopeHandler) error {
	if err := p.ready(ctx, "connect"); err != nil {
		return err
	}

	if local.IsZero() {
		return fmt.Errorf("rabbitmq connect: %w", berr.ErrLocalAddressMissing)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errAlreadyConnected
	}

	prefetch := p.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	queue := transport.PhysicalName(local)

	deliveries, stop, err := p.Broker.Consume(ctx, queue, prefetch)
	if err != nil {
		return berr.Transport(Medium, "consume "+queue, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel, p.stop, p.done = cancel, stop, make(chan struct{})

	go p.loop(loopCtx, deliveries, onArrived, p.done)

	return nil
}

func (p *Provider) Send(ctx context.Context, env cbus.Envelope) error {
	if err := p.ready(ctx, "send"); err != nil {
		return err
	}

	to := env.Recipient()
	if to.IsZero() {
		return fmt.Errorf("rabbitmq send %s: recipient missing: %w", env.MessageType(), berr.ErrRouteNotFound)
	}

	body, err := p.codec().Marshal(env)
	if err != nil {
		return err
	}

	headers := map[string]string{cbus.HeaderMessageType: env.MessageType()}
	// Inject tracing context via configured propagator (keeps the provider decoupled)
	if p.Propagator != nil {
		p.Propagator.Inject(ctx, headers)
	}

	queue := transport.PhysicalName(to)

	return berr.Transport(Medium, "publish "+queue, p.Broker.Publish(ctx, PubMsg{Queue: queue, Body: body, Headers: headers}))
}

// Disconnect stops consuming and waits for in-flight deliveries, bounded by ctx.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	cancel, stop, done := p.cancel, p.stop, p.done
	p.cancel, p.stop, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	stopErr := stop()
	cancel()

	drained := make(chan struct{})
	go func() {
		<-done
		p.handlers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	return berr.Transport(Medium, "cancel consumer", stopErr)
}

func (p *Provider) Close() error {
	timeout := p.DisposeTimeout
	if timeout <= 0 {
		timeout = transport.DefaultDisposeTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := p.Disconnect(ctx)
	if p.Broker != nil {
		err = errors.Join(err, p.Broker.Close())
	}

	return err
}

func (p *Provider) loop(ctx context.Context, deliveries <-chan amqp.Delivery, onArrived cbus.EnvelopeHandler, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			p.handlers.Add(1)

			go func() {
				defer p.handlers.Done()
				p.handle(ctx, d, onArrived)
			}()
		}
	}
}

func (p *Provider) handle(loopCtx context.Context, d amqp.Delivery, onArrived cbus.EnvelopeHandler) {
	ctx := context.WithoutCancel(loopCtx)
	if p.Propagator != nil {
		ctx = p.Propagator.Extract(ctx, stringHeaders(d.Headers))
	}

	env, err := p.codec().Unmarshal(d.Body)
	if err != nil {
		p.logger().WarnContext(ctx, "dropping queue entry that is not an envelope",
			slog.String("medium", Medium),
			slog.String("error", err.Error()),
		)
		p.settle(ctx, d.Ack(false), "ack")

		return
	}

	if err := invoke(ctx, env, onArrived); err != nil {
		p.logger().ErrorContext(ctx, "handling failed, message will be redelivered",
			slog.String("medium", Medium),
			slog.String("type", env.MessageType()),
			slog.String("error", err.Error()),
		)
		pause(loopCtx, p.RedeliveryDelay)
		p.settle(ctx, d.Nack(false, true), "nack")

		return
	}

	p.settle(ctx, d.Ack(false), "ack")
}

func invoke(ctx context.Context, env cbus.Envelope, onArrived cbus.EnvelopeHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return onArrived(ctx, env)
}

func (p *Provider) settle(ctx context.Context, err error, op string) {
	if err != nil {
		p.logger().ErrorContext(ctx, op+" failed", slog.String("medium", Medium), slog.String("error", err.Error()))
	}
}

func (p *Provider) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Broker == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

func (p *Provider) codec() *codec.EnvelopeCodec {
	if p.Codec == nil {
		return codec.NewEnvelopeCodec(nil)
	}

	return p.Codec
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return p.Logger
}

func stringHeaders(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}

	return out
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
