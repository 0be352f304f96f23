package kafka_test

import (
	"context"
	"errors"
	"testing"

	"github.com/next-trace/jitney/adapters/kafka"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

// Unified Kafka transport tests (single file).

type fakeClient struct {
	writes    map[string][][]byte
	topics    []string
	polls     [][]kafka.Record
	committed []kafka.Record
	err       error
}

func (f *fakeClient) Write(_ context.Context, topic string, value []byte) error {
	if f.err != nil {
		return f.err
	}

	if f.writes == nil {
		f.writes = map[string][][]byte{}
	}

	f.writes[topic] = append(f.writes[topic], value)

	return nil
}

func (f *fakeClient) Subscribe(topic string) { f.topics = append(f.topics, topic) }

func (f *fakeClient) Poll(ctx context.Context) ([]kafka.Record, error) {
	if f.err != nil {
		return nil, f.err
	}

	if len(f.polls) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	out := f.polls[0]
	f.polls = f.polls[1:]

	return out, nil
}

func (f *fakeClient) Commit(_ context.Context, records ...kafka.Record) error {
	f.committed = append(f.committed, records...)
	return nil
}

func (f *fakeClient) Close() {}

func TestKafka_SendWritesQueueTopic(t *testing.T) {
	fc := &fakeClient{}
	tr := kafka.New(fc)

	if err := tr.Send(t.Context(), cbus.NewEndpointAddress("Orders"), []byte("v")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if n := len(fc.writes["jitney.orders"]); n != 1 {
		t.Fatalf("want 1 write on jitney.orders, got %v", fc.writes)
	}
}

func TestKafka_ReceiveCommitAndRequeue(t *testing.T) {
	fc := &fakeClient{polls: [][]kafka.Record{{
		{Topic: "jitney.orders", Offset: 1, Value: []byte("a")},
		{Topic: "jitney.orders", Offset: 2, Value: []byte("b")},
	}}}
	tr := kafka.New(fc)

	recv, err := tr.Open(t.Context(), cbus.NewEndpointAddress("orders"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if len(fc.topics) != 1 || fc.topics[0] != "jitney.orders" {
		t.Fatalf("subscribed topics %v", fc.topics)
	}

	a, err := recv.Receive(t.Context())
	if err != nil || string(a.Body()) != "a" {
		t.Fatalf("receive a: %v", err)
	}

	if err := a.Abort(t.Context()); err != nil {
		t.Fatalf("abort: %v", err)
	}

	again, _ := recv.Receive(t.Context())
	if string(again.Body()) != "a" {
		t.Fatalf("aborted record must come back first, got %q", again.Body())
	}

	if err := again.Commit(t.Context()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(fc.committed) != 1 || fc.committed[0].Offset != 1 {
		t.Fatalf("committed %v", fc.committed)
	}

	b, _ := recv.Receive(t.Context())
	if string(b.Body()) != "b" {
		t.Fatalf("want b, got %q", b.Body())
	}
}

func TestKafka_CommitStopsAtAbortedRecord(t *testing.T) {
	fc := &fakeClient{polls: [][]kafka.Record{{
		{Topic: "jitney.orders", Partition: 0, Offset: 1, Value: []byte("a")},
		{Topic: "jitney.orders", Partition: 0, Offset: 2, Value: []byte("b")},
		{Topic: "jitney.orders", Partition: 1, Offset: 7, Value: []byte("c")},
	}}}
	tr := kafka.New(fc)

	recv, err := tr.Open(t.Context(), cbus.NewEndpointAddress("orders"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	a, _ := recv.Receive(t.Context())
	b, _ := recv.Receive(t.Context())
	c, _ := recv.Receive(t.Context())

	if err := b.Commit(t.Context()); err != nil {
		t.Fatalf("commit b: %v", err)
	}

	if err := a.Abort(t.Context()); err != nil {
		t.Fatalf("abort a: %v", err)
	}

	if len(fc.committed) != 0 {
		t.Fatalf("offset must not pass the aborted record, committed %v", fc.committed)
	}

	if err := c.Commit(t.Context()); err != nil {
		t.Fatalf("commit c: %v", err)
	}

	if len(fc.committed) != 1 || fc.committed[0].Partition != 1 || fc.committed[0].Offset != 7 {
		t.Fatalf("other partitions commit independently, committed %v", fc.committed)
	}

	retry, _ := recv.Receive(t.Context())
	if string(retry.Body()) != "a" {
		t.Fatalf("want a redelivered, got %q", retry.Body())
	}

	if err := retry.Commit(t.Context()); err != nil {
		t.Fatalf("commit a: %v", err)
	}

	if len(fc.committed) != 2 || fc.committed[1].Partition != 0 || fc.committed[1].Offset != 2 {
		t.Fatalf("want partition 0 committed through offset 2, got %v", fc.committed)
	}
}

func TestKafka_ErrorWrapping(t *testing.T) {
	fc := &fakeClient{err: errors.New("broker down")}
	tr := kafka.New(fc)

	if err := tr.Send(t.Context(), cbus.NewEndpointAddress("q"), nil); !errors.Is(err, berr.ErrTransportFailed) {
		t.Fatalf("want ErrTransportFailed, got %v", err)
	}

	recv, _ := tr.Open(t.Context(), cbus.NewEndpointAddress("q"))
	if _, err := recv.Receive(t.Context()); !errors.Is(err, berr.ErrTransportFailed) {
		t.Fatalf("want ErrTransportFailed from poll, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := tr.Send(ctx, cbus.NewEndpointAddress("q"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestKafka_NilClient(t *testing.T) {
	if err := kafka.New(nil).Send(t.Context(), cbus.NewEndpointAddress("q"), nil); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}

	if _, _, err := kafka.NewWithKgo(kafka.Config{}); !errors.Is(err, berr.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected without brokers, got %v", err)
	}
}
