package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/transport"
)

const (
	// Medium is the transport medium name.
	Medium = "kafka"

	topicPrefix = "jitney."
)

// Record is one consumed Kafka record.
type Record struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Value       []byte
}

// Client is the minimal Kafka surface the transport needs. NewWithKgo provides a franz-go
// backed one; tests provide fakes.
type Client interface {
	// Write produces value to topic and waits for the broker acknowledgement.
	Write(ctx context.Context, topic string, value []byte) error
	// Subscribe adds topic to the consumer group's topics.
	Subscribe(topic string)
	// Poll returns the next fetched records, waiting until ctx is done.
	Poll(ctx context.Context) ([]Record, error)
	// Commit marks records as processed for the consumer group.
	Commit(ctx context.Context, records ...Record) error
	Close()
}

// Transport implements transport.Transport with one topic per logical queue, consumed by a
// consumer group with manual commits.
type Transport struct {
	Client Client
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport over c.
func New(c Client) *Transport { return &Transport{Client: c} }

// Topic returns the topic carrying the queue of addr.
func Topic(addr cbus.EndpointAddress) string { return topicPrefix + transport.PhysicalName(addr) }

func (t *Transport) Medium() string { return Medium }

func (t *Transport) Open(ctx context.Context, local cbus.EndpointAddress) (transport.Receiver, error) {
	if err := t.ready(ctx, "open"); err != nil {
		return nil, err
	}

	t.Client.Subscribe(Topic(local))

	return &receiver{client: t.Client}, nil
}

func (t *Transport) Send(ctx context.Context, to cbus.EndpointAddress, body []byte) error {
	if err := t.ready(ctx, "send"); err != nil {
		return err
	}

	if err := t.Client.Write(ctx, Topic(to), body); err != nil {
		return berr.Transport(Medium, "write "+Topic(to), err)
	}

	return nil
}

func (t *Transport) Close() error {
	if t.Client != nil {
		t.Client.Close()
	}

	return nil
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Client == nil {
		return fmt.Errorf("kafka %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

// receiver buffers fetched records. An aborted record goes back to the head of the buffer,
// since the group offset cannot move backwards. Offsets are committed per partition only up to
// the first record that is still in flight or aborted.
type receiver struct {
	client Client

	mu      sync.Mutex
	pending []Record

	commitMu   sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

type partitionKey struct {
	topic     string
	partition int32
}

// partitionOffsets holds the records of one partition that were fetched but not yet committed,
// in offset order, and which of them completed.
type partitionOffsets struct {
	open []Record
	done map[int64]bool
}

func (r *receiver) Receive(ctx context.Context) (transport.Delivery, error) {
	if rec, ok := r.next(); ok {
		return &delivery{receiver: r, record: rec}, nil
	}

	records, err := r.client.Poll(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, berr.Transport(Medium, "poll", err)
	}

	r.track(records)

	r.mu.Lock()
	r.pending = append(r.pending, records...)
	r.mu.Unlock()

	if rec, ok := r.next(); ok {
		return &delivery{receiver: r, record: rec}, nil
	}

	return nil, nil
}

func (r *receiver) track(records []Record) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if r.partitions == nil {
		r.partitions = map[partitionKey]*partitionOffsets{}
	}

	for _, rec := range records {
		key := partitionKey{topic: rec.Topic, partition: rec.Partition}

		p, ok := r.partitions[key]
		if !ok {
			p = &partitionOffsets{done: map[int64]bool{}}
			r.partitions[key] = p
		}

		p.open = append(p.open, rec)
	}
}

// complete marks rec as handled and commits the contiguous handled prefix of its partition.
func (r *receiver) complete(ctx context.Context, rec Record) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	p, ok := r.partitions[partitionKey{topic: rec.Topic, partition: rec.Partition}]
	if !ok {
		return r.client.Commit(ctx, rec)
	}

	p.done[rec.Offset] = true

	var (
		last     Record
		advanced bool
	)

	for len(p.open) > 0 && p.done[p.open[0].Offset] {
		last = p.open[0]
		delete(p.done, last.Offset)
		p.open = p.open[1:]
		advanced = true
	}

	if !advanced {
		return nil
	}

	return r.client.Commit(ctx, last)
}

func (r *receiver) next() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return Record{}, false
	}

	rec := r.pending[0]
	r.pending = r.pending[1:]

	return rec, true
}

func (r *receiver) requeue(rec Record) {
	r.mu.Lock()
	r.pending = append([]Record{rec}, r.pending...)
	r.mu.Unlock()
}

func (r *receiver) Close() error { return nil }

type delivery struct {
	receiver *receiver
	record   Record
}

func (d *delivery) Body() []byte { return d.record.Value }

func (d *delivery) Commit(ctx context.Context) error {
	if err := d.receiver.complete(ctx, d.record); err != nil {
		return berr.Transport(Medium, "commit", err)
	}

	return nil
}

func (d *delivery) Abort(context.Context) error {
	d.receiver.requeue(d.record)
	return nil
}
