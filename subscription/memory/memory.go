// Package memory provides an in-process subscription store.
package memory

import (
	"context"
	"slices"
	"sync"

	cbus "github.com/next-trace/jitney/contract/bus"
)

// Store keeps subscriptions in a map guarded by a RWMutex.
type Store struct {
	mu   sync.RWMutex
	subs map[string][]cbus.EndpointAddress
}

var _ cbus.SubscriptionStore = (*Store)(nil)

func New() *Store { return &Store{subs: map[string][]cbus.EndpointAddress{}} }

// Subscribe records subscriber for messageType. Repeated subscriptions are ignored.
func (s *Store) Subscribe(ctx context.Context, messageType string, subscriber cbus.EndpointAddress) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.subs[messageType]
	if slices.ContainsFunc(existing, subscriber.Equal) {
		return nil
	}

	s.subs[messageType] = append(existing, subscriber)

	return nil
}

// Subscribers returns the subscribers of messageType in subscription order.
func (s *Store) Subscribers(ctx context.Context, messageType string) ([]cbus.EndpointAddress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.subs[messageType]), nil
}
