package redis_test

import (
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/subscription/redis"
)

func newStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return redis.New(client, ""), mr
}

func TestStore_SubscribeAndList(t *testing.T) {
	s, mr := newStore(t)
	ctx := t.Context()

	require.NoError(t, s.Subscribe(ctx, "orders.Placed", cbus.ParseEndpointAddress("shipping@host-b")))
	require.NoError(t, s.Subscribe(ctx, "orders.Placed", cbus.ParseEndpointAddress("billing@host-a")))
	require.NoError(t, s.Subscribe(ctx, "orders.Placed", cbus.ParseEndpointAddress("Billing@HOST-A")))

	got, err := s.Subscribers(ctx, "orders.Placed")
	require.NoError(t, err)
	require.Equal(t, []cbus.EndpointAddress{
		cbus.ParseEndpointAddress("billing@host-a"),
		cbus.ParseEndpointAddress("shipping@host-b"),
	}, got)

	members, err := mr.SMembers(redis.DefaultKeyPrefix + "orders.Placed")
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestStore_ConnectionFailure(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()

	err := s.Subscribe(t.Context(), "orders.Placed", cbus.NewEndpointAddress("billing"))
	require.True(t, errors.Is(err, berr.ErrTransportFailed), "got %v", err)

	_, _, err = redis.NewWithAddr(t.Context(), "")
	require.ErrorIs(t, err, berr.ErrNotConnected)
}
