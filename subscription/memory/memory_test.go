package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/jitney/contract/bus"
	"github.com/next-trace/jitney/subscription/memory"
)

func TestStore_SubscribeIsIdempotent(t *testing.T) {
	s := memory.New()

	require.NoError(t, s.Subscribe(t.Context(), "orders.Placed", cbus.NewEndpointAddress("billing")))
	require.NoError(t, s.Subscribe(t.Context(), "orders.Placed", cbus.ParseEndpointAddress("Billing@localhost")))
	require.NoError(t, s.Subscribe(t.Context(), "orders.Placed", cbus.NewEndpointAddress("shipping")))

	got, err := s.Subscribers(t.Context(), "orders.Placed")
	require.NoError(t, err)
	require.Equal(t, []cbus.EndpointAddress{
		cbus.NewEndpointAddress("billing"),
		cbus.NewEndpointAddress("shipping"),
	}, got)

	none, err := s.Subscribers(t.Context(), "orders.Cancelled")
	require.NoError(t, err)
	require.Empty(t, none)
}
