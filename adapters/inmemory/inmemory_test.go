package inmemory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/next-trace/jitney/adapters/inmemory"
	cbus "github.com/next-trace/jitney/contract/bus"
)

func TestInmemory_SendReceiveCommit(t *testing.T) {
	tr := inmemory.New()
	local := cbus.NewEndpointAddress("Orders")

	recv, err := tr.Open(t.Context(), local)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Address comparison is case-insensitive; local spellings share one queue.
	if err := tr.Send(t.Context(), cbus.ParseEndpointAddress("orders@localhost"), []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}

	d, err := recv.Receive(t.Context())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	if string(d.Body()) != "one" {
		t.Fatalf("unexpected body %q", d.Body())
	}

	if err := d.Commit(t.Context()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n := tr.Network().Depth(local); n != 0 {
		t.Fatalf("want empty queue, got %d", n)
	}
}

func TestInmemory_AbortRequeues(t *testing.T) {
	tr := inmemory.New()
	local := cbus.NewEndpointAddress("orders")

	recv, _ := tr.Open(t.Context(), local)
	_ = tr.Send(t.Context(), local, []byte("one"))

	d, err := recv.Receive(t.Context())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	if n := tr.Network().Depth(local); n != 0 {
		t.Fatalf("received entry must be invisible, depth %d", n)
	}

	if err := d.Abort(t.Context()); err != nil {
		t.Fatalf("abort: %v", err)
	}

	again, err := recv.Receive(t.Context())
	if err != nil {
		t.Fatalf("receive again: %v", err)
	}

	if string(again.Body()) != "one" {
		t.Fatalf("unexpected redelivery %q", again.Body())
	}
}

func TestInmemory_ReceiveHonoursContext(t *testing.T) {
	recv, _ := inmemory.New().Open(t.Context(), cbus.NewEndpointAddress("idle"))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if _, err := recv.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestInmemory_SharedNetwork(t *testing.T) {
	network := inmemory.NewNetwork()
	a, b := network.Transport(), network.Transport()

	recv, _ := b.Open(t.Context(), cbus.NewEndpointAddress("billing"))
	if err := a.Send(t.Context(), cbus.NewEndpointAddress("billing"), []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := recv.Receive(t.Context()); err != nil {
		t.Fatalf("receive: %v", err)
	}
}
