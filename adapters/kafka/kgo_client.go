package kafka

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

// Concrete franz-go based constructor and client wrapper.

type Config struct {
	Brokers     []string
	Group       string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression []kgo.CompressionCodec
	// Local, when set, is consumed from the start instead of after Open.
	Local cbus.EndpointAddress
}

type kgoClient struct{ cl *kgo.Client }

func (c kgoClient) Write(ctx context.Context, topic string, value []byte) error {
	return c.cl.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: value}).FirstErr()
}

func (c kgoClient) Subscribe(topic string) { c.cl.AddConsumeTopics(topic) }

func (c kgoClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("fetch %s[%d]: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
	}

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.LeaderEpoch,
			Value:       r.Value,
		})
	})

	return out, nil
}

func (c kgoClient) Commit(ctx context.Context, records ...Record) error {
	recs := make([]*kgo.Record, len(records))
	for i, r := range records {
		recs[i] = &kgo.Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, LeaderEpoch: r.LeaderEpoch}
	}

	return c.cl.CommitRecords(ctx, recs...)
}

func (c kgoClient) Close() { c.cl.Close() }

// NewWithKgo builds a franz-go client based Transport consuming as cfg.Group. The returned
// cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrNotConnected)
	}

	group := cfg.Group
	if group == "" {
		group = "jitney"
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.DisableAutoCommit(),
		kgo.AllowAutoTopicCreation(),
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if !cfg.Local.IsZero() {
		opts = append(opts, kgo.ConsumeTopics(Topic(cfg.Local)))
	}

	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(cfg.Acks))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, berr.Transport(Medium, "client init", err)
	}

	tr := New(kgoClient{cl: cl})
	cleanup := func() { cl.Close() }

	return tr, cleanup, nil
}
