// Package memory builds a bus that keeps everything in process: in-memory queues, subscriptions
// and event store. It suits tests and single-process applications.
package memory

import (
	"context"
	"time"

	"github.com/next-trace/jitney"
	"github.com/next-trace/jitney/config"
	"github.com/next-trace/jitney/servicebus"
)

// PollInterval is the receive poll window of the in-memory transport.
const PollInterval = 20 * time.Millisecond

// New returns a bus receiving on local, along with a cleanup closing it.
func New(ctx context.Context, local string, opts ...jitney.Option) (*servicebus.Bus, func(), error) {
	cfg := config.Config{
		LocalEndpoint:     local,
		Transport:         config.TransportInMemory,
		SubscriptionStore: config.StoreMemory,
		EventStore:        config.StoreMemory,
		PollInterval:      PollInterval,
		RedeliveryDelay:   PollInterval,
		DisposeTimeout:    5 * time.Second,
	}

	return jitney.New(ctx, cfg, opts...)
}
