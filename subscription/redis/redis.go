// Package redis provides a subscription store backed by Redis sets, shared by every endpoint
// connected to the same Redis.
package redis

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

const DefaultKeyPrefix = "jitney:subscriptions:"

// Store keeps one set of "queue@machine" members per message type.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ cbus.SubscriptionStore = (*Store)(nil)

// New creates a store on client. An empty prefix uses DefaultKeyPrefix.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Store{client: client, prefix: prefix}
}

// NewWithAddr connects to the Redis at addr and returns a store and a cleanup.
func NewWithAddr(ctx context.Context, addr string) (*Store, func(), error) {
	if addr == "" {
		return nil, nil, fmt.Errorf("redis subscription store: address required: %w", berr.ErrNotConnected)
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, berr.Transport("redis", "ping", err)
	}

	return New(client, ""), func() { _ = client.Close() }, nil
}

func (s *Store) key(messageType string) string { return s.prefix + messageType }

func (s *Store) Subscribe(ctx context.Context, messageType string, subscriber cbus.EndpointAddress) error {
	if err := s.client.SAdd(ctx, s.key(messageType), subscriber.Key()).Err(); err != nil {
		return berr.Transport("redis", "sadd "+s.key(messageType), err)
	}

	return nil
}

// Subscribers returns the subscribers of messageType, sorted by address.
func (s *Store) Subscribers(ctx context.Context, messageType string) ([]cbus.EndpointAddress, error) {
	members, err := s.client.SMembers(ctx, s.key(messageType)).Result()
	if err != nil {
		return nil, berr.Transport("redis", "smembers "+s.key(messageType), err)
	}

	sort.Strings(members)

	out := make([]cbus.EndpointAddress, len(members))
	for i, m := range members {
		out[i] = cbus.ParseEndpointAddress(m)
	}

	return out, nil
}
