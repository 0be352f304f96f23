package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	berr "github.com/next-trace/jitney/contract/errors"
)

// Concrete JetStream-backed Client and constructor.

const DefaultStream = "JITNEY"

type Config struct {
	URL           string
	Name          string
	Stream        string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type jsClient struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

func (c *jsClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(ctx, subject, data)
	return err
}

func (c *jsClient) Consume(ctx context.Context, subject, durable string) (Consumer, error) {
	cons, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, err
	}

	return pullConsumer{c: cons}, nil
}

func (c *jsClient) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}

	err := c.nc.Drain()
	c.nc.Close()

	return err
}

type pullConsumer struct{ c jetstream.Consumer }

func (p pullConsumer) Next(_ context.Context, wait time.Duration) (Msg, error) {
	batch, err := p.c.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, emptyOn(err)
	}

	for m := range batch.Messages() {
		return m, nil
	}

	return nil, emptyOn(batch.Error())
}

func emptyOn(err error) error {
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
		return nil
	}

	return err
}

// NewWithNATS connects to NATS, ensures the stream covering every queue subject exists and
// returns a Transport and a cleanup.
func NewWithNATS(ctx context.Context, cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrNotConnected)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, berr.Transport(Medium, "connect", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, berr.Transport(Medium, "jetstream", err)
	}

	name := cfg.Stream
	if name == "" {
		name = DefaultStream
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subjectPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, nil, berr.Transport(Medium, "stream "+name, err)
	}

	client := &jsClient{nc: nc, js: js, stream: stream}
	cleanup := func() {
		_ = client.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
	}

	return New(client), cleanup, nil
}
