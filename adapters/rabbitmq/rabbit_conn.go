package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/jitney/codec"
	berr "github.com/next-trace/jitney/contract/errors"
)

// Concrete AMQP connection-backed broker with auto-reconnect.

type Config struct {
	URL         string
	ConnTimeout time.Duration
}

type consumer struct {
	queue    string
	prefetch int
	tag      string
	out      chan amqp.Delivery
	done     chan struct{}
}

// reconnectingBroker keeps one connection and channel alive. Consumers survive reconnects:
// their delivery channel stays the same while consumption restarts on the new channel.
type reconnectingBroker struct {
	cfg       Config
	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	declared  map[string]struct{}
	consumers map[string]*consumer
	closed    chan struct{}
	ready     chan struct{} // closed while a channel is available
}

func newReconnectingBroker(cfg Config) *reconnectingBroker {
	rb := &reconnectingBroker{
		cfg:       cfg,
		declared:  map[string]struct{}{},
		consumers: map[string]*consumer{},
		closed:    make(chan struct{}),
		ready:     make(chan struct{}),
	}
	go rb.run()

	return rb
}

func (rb *reconnectingBroker) channel(ctx context.Context) (*amqp.Channel, error) {
	rb.mu.RLock()
	ch, ready := rb.ch, rb.ready
	rb.mu.RUnlock()

	if ch != nil {
		return ch, nil
	}

	// Wait for readiness or context cancellation
	select {
	case <-ready:
	case <-rb.closed:
		return nil, fmt.Errorf("rabbitmq: %w", berr.ErrNotConnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rb.mu.RLock()
	ch = rb.ch
	rb.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("rabbitmq: %w", berr.ErrNotConnected)
	}

	return ch, nil
}

func (rb *reconnectingBroker) declare(ch *amqp.Channel, queue string) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if _, ok := rb.declared[queue]; ok && ch == rb.ch {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	rb.declared[queue] = struct{}{}

	return nil
}

func (rb *reconnectingBroker) Publish(ctx context.Context, m PubMsg) error {
	ch, err := rb.channel(ctx)
	if err != nil {
		return err
	}

	if err := rb.declare(ch, m.Queue); err != nil {
		return err
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		"",
		m.Queue,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      h,
			ContentType:  codec.ContentType,
			Body:         m.Body,
		},
	)
}

func (rb *reconnectingBroker) Consume(ctx context.Context, queue string, prefetch int) (<-chan amqp.Delivery, func() error, error) {
	ch, err := rb.channel(ctx)
	if err != nil {
		return nil, nil, err
	}

	c := &consumer{
		queue:    queue,
		prefetch: prefetch,
		tag:      "jitney-" + uuid.NewString(),
		out:      make(chan amqp.Delivery),
		done:     make(chan struct{}),
	}

	if err := rb.startConsumer(ch, c); err != nil {
		return nil, nil, err
	}

	rb.mu.Lock()
	rb.consumers[c.tag] = c
	rb.mu.Unlock()

	stop := func() error {
		rb.mu.Lock()
		_, ok := rb.consumers[c.tag]
		delete(rb.consumers, c.tag)
		ch := rb.ch
		rb.mu.Unlock()

		if !ok {
			return nil
		}

		close(c.done)

		if ch == nil {
			return nil
		}

		return ch.Cancel(c.tag, false)
	}

	return c.out, stop, nil
}

func (rb *reconnectingBroker) startConsumer(ch *amqp.Channel, c *consumer) error {
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}

	if err := rb.declare(ch, c.queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range deliveries {
			select {
			case c.out <- d:
			case <-c.done:
				// unacknowledged deliveries return to the queue when the channel goes away
				return
			}
		}
	}()

	return nil
}

func (rb *reconnectingBroker) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	reconnect := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := amqp.DialConfig(rb.cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "jitney"},
			Dial:       amqp.DefaultDial(rb.cfg.ConnTimeout),
		})
		if err != nil {
			return nil, nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}

		return conn, ch, nil
	}

	for {
		select {
		case <-rb.closed:
			return
		default:
		}

		conn, ch, err := reconnect()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := min(backoff+jitter/2, maxBackoff)

			t := time.NewTimer(sleep)
			select {
			case <-rb.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		// success
		backoff = time.Second

		rb.mu.Lock()
		rb.conn, rb.ch = conn, ch
		rb.declared = map[string]struct{}{}
		consumers := make([]*consumer, 0, len(rb.consumers))
		for _, c := range rb.consumers {
			consumers = append(consumers, c)
		}
		close(rb.ready)
		rb.mu.Unlock()

		for _, c := range consumers {
			_ = rb.startConsumer(ch, c) //nolint:errcheck // a failed restart shows up as a closed connection
		}

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rb.closed:
			return
		case <-notify:
			rb.mu.Lock()
			rb.conn, rb.ch = nil, nil
			rb.ready = make(chan struct{})
			rb.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
			// loop to reconnect
		}
	}
}

func (rb *reconnectingBroker) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	select {
	case <-rb.closed:
		// already closed
		return nil
	default:
		close(rb.closed)
	}

	var err error
	if rb.ch != nil {
		err = rb.ch.Close()
		rb.ch = nil
	}

	if rb.conn != nil {
		_ = rb.conn.Close()
		rb.conn = nil
	}

	return err
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns a Provider and cleanup.
func NewWithAMQPConn(cfg Config, c *codec.EnvelopeCodec) (*Provider, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrNotConnected)
	}

	broker := newReconnectingBroker(cfg)
	cleanup := func() { _ = broker.Close() }

	return New(broker, c), cleanup, nil
}
