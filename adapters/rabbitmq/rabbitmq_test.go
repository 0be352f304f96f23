package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/jitney/adapters/rabbitmq"
	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

type pingCommand struct{ N int }

func (pingCommand) IsCommand() {}

// fakes

type fakeBroker struct {
	mu         sync.Mutex
	published  []rabbitmq.PubMsg
	deliveries chan amqp.Delivery
	queue      string
	prefetch   int
	stopped    bool
	err        error
}

func (f *fakeBroker) Publish(_ context.Context, m rabbitmq.PubMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, m)

	return f.err
}

func (f *fakeBroker) Consume(_ context.Context, queue string, prefetch int) (<-chan amqp.Delivery, func() error, error) {
	f.queue, f.prefetch = queue, prefetch

	return f.deliveries, func() error {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()

		return nil
	}, nil
}

func (f *fakeBroker) Close() error { return nil }

type ackResult struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct{ results chan ackResult }

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.results <- ackResult{tag: tag, ack: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

type headerPropagator struct{}

func (headerPropagator) Inject(_ context.Context, headers map[string]string) { headers["traceparent"] = "t1" }

type traceKey struct{}

func (headerPropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, traceKey{}, headers["traceparent"])
}

func newCodec() *codec.EnvelopeCodec { return codec.NewEnvelopeCodec(codec.NewRegistry(pingCommand{})) }

func encoded(t *testing.T, n int) []byte {
	t.Helper()

	body, err := newCodec().Marshal(cbus.NewEnvelope(map[string]string{cbus.HeaderRecipient: "orders"}, pingCommand{N: n}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return body
}

func TestRabbitMQ_SendPublishesToQueue(t *testing.T) {
	fb := &fakeBroker{}
	p := rabbitmq.NewWithPropagator(fb, newCodec(), headerPropagator{})

	env := cbus.NewEnvelope(map[string]string{
		cbus.HeaderRecipient:   "Billing@remote",
		cbus.HeaderMessageType: codec.NameOf(pingCommand{}),
	}, pingCommand{N: 1})

	if err := p.Send(t.Context(), env); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fb.published) != 1 {
		t.Fatalf("want 1 publish, got %d", len(fb.published))
	}

	m := fb.published[0]
	if m.Queue != "billing" || len(m.Body) == 0 {
		t.Fatalf("unexpected publish %+v", m)
	}

	if m.Headers["traceparent"] != "t1" || m.Headers[cbus.HeaderMessageType] != codec.NameOf(pingCommand{}) {
		t.Fatalf("headers missing: %+v", m.Headers)
	}
}

func TestRabbitMQ_AckOnSuccessNackOnFailure(t *testing.T) {
	fb := &fakeBroker{deliveries: make(chan amqp.Delivery)}
	p := rabbitmq.NewWithPropagator(fb, newCodec(), headerPropagator{})
	acks := &fakeAcknowledger{results: make(chan ackResult, 4)}

	traces := make(chan any, 4)
	err := p.Connect(t.Context(), cbus.NewEndpointAddress("Orders"), func(ctx context.Context, env cbus.Envelope) error {
		traces <- ctx.Value(traceKey{})
		if env.Body().(pingCommand).N == 2 {
			return errors.New("boom")
		}

		return nil
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if fb.queue != "orders" || fb.prefetch != rabbitmq.DefaultPrefetch {
		t.Fatalf("consume %q prefetch %d", fb.queue, fb.prefetch)
	}

	fb.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: encoded(t, 1), Headers: amqp.Table{"traceparent": "t1"}}
	if r := <-acks.results; r.tag != 1 || !r.ack {
		t.Fatalf("want ack for 1, got %+v", r)
	}

	if got := <-traces; got != "t1" {
		t.Fatalf("trace context not extracted: %v", got)
	}

	fb.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: encoded(t, 2)}
	if r := <-acks.results; r.tag != 2 || r.ack || !r.requeue {
		t.Fatalf("want nack+requeue for 2, got %+v", r)
	}

	fb.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: []byte("garbage")}
	if r := <-acks.results; r.tag != 3 || !r.ack {
		t.Fatalf("foreign entry must be dropped with an ack, got %+v", r)
	}

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	if err := p.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if !fb.stopped {
		t.Fatalf("consumer not stopped")
	}
}

func TestRabbitMQ_Errors(t *testing.T) {
	p := rabbitmq.New(nil, nil)
	if err := p.Send(t.Context(), cbus.NewEnvelope(nil, pingCommand{})); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}

	fb := &fakeBroker{err: errors.New("channel closed")}
	p = rabbitmq.New(fb, newCodec())

	if err := p.Send(t.Context(), cbus.NewEnvelope(nil, pingCommand{})); !errors.Is(err, berr.ErrRouteNotFound) {
		t.Fatalf("want ErrRouteNotFound, got %v", err)
	}

	env := cbus.NewEnvelope(map[string]string{cbus.HeaderRecipient: "q"}, pingCommand{})
	if err := p.Send(t.Context(), env); !errors.Is(err, berr.ErrTransportFailed) {
		t.Fatalf("want ErrTransportFailed, got %v", err)
	}

	if err := p.Connect(t.Context(), cbus.EndpointAddress{}, nil); !errors.Is(err, berr.ErrLocalAddressMissing) {
		t.Fatalf("want ErrLocalAddressMissing, got %v", err)
	}

	if p.TransportMediumName() != rabbitmq.Medium {
		t.Fatalf("medium %q", p.TransportMediumName())
	}
}
