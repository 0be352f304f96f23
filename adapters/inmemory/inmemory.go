package inmemory

import (
	"context"
	"sync"

	cbus "github.com/next-trace/jitney/contract/bus"
	"github.com/next-trace/jitney/transport"
)

// Medium is the transport medium name.
const Medium = "inmemory"

// Network is a thread-safe in-process set of named queues, keyed by normalized endpoint
// address. Endpoints sharing a Network can exchange envelopes.
type Network struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewNetwork creates an empty network.
func NewNetwork() *Network { return &Network{queues: map[string]*queue{}} }

func (n *Network) queue(addr cbus.EndpointAddress) *queue {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := addr.Key()

	q, ok := n.queues[key]
	if !ok {
		q = &queue{signal: make(chan struct{}, 1)}
		n.queues[key] = q
	}

	return q
}

// Depth returns the number of entries waiting in the queue of addr, excluding received but
// uncommitted entries.
func (n *Network) Depth(addr cbus.EndpointAddress) int {
	q := n.queue(addr)

	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Transport returns a transport bound to this network.
func (n *Network) Transport() *Transport { return &Transport{network: n} }

type queue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func (q *queue) push(body []byte) {
	q.mu.Lock()
	q.items = append(q.items, body)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	body := q.items[0]
	q.items = q.items[1:]

	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}

	return body, true
}

// Transport implements transport.Transport over a Network.
type Transport struct {
	network *Network
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport on a private network.
func New() *Transport { return NewNetwork().Transport() }

func (t *Transport) Medium() string { return Medium }

// Network returns the network the transport is bound to.
func (t *Transport) Network() *Network { return t.network }

func (t *Transport) Open(_ context.Context, local cbus.EndpointAddress) (transport.Receiver, error) {
	return &receiver{queue: t.network.queue(local)}, nil
}

func (t *Transport) Send(ctx context.Context, to cbus.EndpointAddress, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.network.queue(to).push(append([]byte(nil), body...))

	return nil
}

func (t *Transport) Close() error { return nil }

type receiver struct {
	queue *queue
}

func (r *receiver) Receive(ctx context.Context) (transport.Delivery, error) {
	for {
		if body, ok := r.queue.pop(); ok {
			return &delivery{queue: r.queue, body: body}, nil
		}

		select {
		case <-r.queue.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *receiver) Close() error { return nil }

// delivery is removed from its queue on receive; Abort puts it back.
type delivery struct {
	queue *queue
	body  []byte
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Commit(context.Context) error { return nil }

func (d *delivery) Abort(context.Context) error {
	d.queue.push(d.body)
	return nil
}
