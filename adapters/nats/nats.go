package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/transport"
)

const (
	// Medium is the transport medium name.
	Medium = "nats"

	subjectPrefix = "jitney."
	defaultWait   = time.Second
)

// Client is the minimal JetStream surface the transport needs. NewWithNATS provides one backed
// by a real connection; tests provide fakes.
type Client interface {
	// Publish stores data on subject.
	Publish(ctx context.Context, subject string, data []byte) error
	// Consume binds a durable pull consumer to subject.
	Consume(ctx context.Context, subject, durable string) (Consumer, error)
	Close() error
}

// Consumer pulls one message at a time.
type Consumer interface {
	// Next waits up to wait for a message. It returns (nil, nil) when none arrived.
	Next(ctx context.Context, wait time.Duration) (Msg, error)
}

// Msg is a received JetStream message.
type Msg interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Transport implements transport.Transport on JetStream subjects, one subject and durable
// consumer per logical queue.
type Transport struct {
	Client Client
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport over c.
func New(c Client) *Transport { return &Transport{Client: c} }

// Subject returns the subject carrying the queue of addr.
func Subject(addr cbus.EndpointAddress) string { return subjectPrefix + transport.PhysicalName(addr) }

func (t *Transport) Medium() string { return Medium }

func (t *Transport) Open(ctx context.Context, local cbus.EndpointAddress) (transport.Receiver, error) {
	if err := t.ready(ctx, "open"); err != nil {
		return nil, err
	}

	c, err := t.Client.Consume(ctx, Subject(local), transport.PhysicalName(local))
	if err != nil {
		return nil, berr.Transport(Medium, "consume "+Subject(local), err)
	}

	return &receiver{consumer: c}, nil
}

func (t *Transport) Send(ctx context.Context, to cbus.EndpointAddress, body []byte) error {
	if err := t.ready(ctx, "send"); err != nil {
		return err
	}

	if err := t.Client.Publish(ctx, Subject(to), body); err != nil {
		return berr.Transport(Medium, "publish "+Subject(to), err)
	}

	return nil
}

func (t *Transport) Close() error {
	if t.Client == nil {
		return nil
	}

	return t.Client.Close()
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Client == nil {
		return fmt.Errorf("nats %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

type receiver struct {
	consumer Consumer
}

func (r *receiver) Receive(ctx context.Context) (transport.Delivery, error) {
	wait := defaultWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}

	if wait <= 0 {
		return nil, nil
	}

	m, err := r.consumer.Next(ctx, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, berr.Transport(Medium, "fetch", err)
	}

	if m == nil {
		return nil, nil
	}

	return delivery{msg: m}, nil
}

func (r *receiver) Close() error { return nil }

type delivery struct {
	msg Msg
}

func (d delivery) Body() []byte { return d.msg.Data() }

func (d delivery) Commit(context.Context) error { return d.msg.Ack() }

func (d delivery) Abort(context.Context) error { return d.msg.Nak() }
