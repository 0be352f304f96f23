package transport

import (
	"context"
	"strings"

	cbus "github.com/next-trace/jitney/contract/bus"
)

// Transport sends to and receives from the physical queues of one medium.
// Mapping an EndpointAddress to a physical queue is the transport's concern.
type Transport interface {
	// Medium names the transport in diagnostics.
	Medium() string
	// Open binds a receiver to the local queue, creating it when needed.
	Open(ctx context.Context, local cbus.EndpointAddress) (Receiver, error)
	// Send transmits body to the queue of to.
	Send(ctx context.Context, to cbus.EndpointAddress, body []byte) error
	// Close releases the connection to the medium.
	Close() error
}

// Receiver pulls deliveries from one queue.
type Receiver interface {
	// Receive waits for the next delivery until ctx is done. It returns (nil, nil) when the
	// poll window passed without a message.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is one received queue entry within its receive transaction.
type Delivery interface {
	Body() []byte
	// Commit removes the entry from the queue for good.
	Commit(ctx context.Context) error
	// Abort makes the entry available for redelivery.
	Abort(ctx context.Context) error
}

// PhysicalName maps addr to a broker-safe queue name. Brokers are shared by every machine, so
// only the queue part is significant: lower-cased, with characters outside [a-z0-9_-] replaced
// by '_'.
func PhysicalName(addr cbus.EndpointAddress) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(addr.QueueName))
}
