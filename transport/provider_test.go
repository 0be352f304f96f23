package transport_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/next-trace/jitney/adapters/inmemory"
	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pingCommand struct{ N int }

func (pingCommand) IsCommand() {}

var local = cbus.NewEndpointAddress("orders")

func newProvider(t *testing.T, opts ...transport.Option) (*transport.PollingProvider, *inmemory.Transport) {
	t.Helper()

	tr := inmemory.New()
	opts = append([]transport.Option{transport.WithPollInterval(20 * time.Millisecond)}, opts...)
	p := transport.NewPollingProvider(tr, codec.NewEnvelopeCodec(codec.NewRegistry(pingCommand{})), opts...)

	t.Cleanup(func() { _ = p.Close() })

	return p, tr
}

func ping(n int) cbus.Envelope {
	return cbus.NewEnvelope(map[string]string{
		cbus.HeaderRecipient:   local.String(),
		cbus.HeaderMessageType: codec.NameOf(pingCommand{}),
	}, pingCommand{N: n})
}

func TestPollingProvider_DeliversAndCommits(t *testing.T) {
	p, tr := newProvider(t)

	got := make(chan cbus.Envelope, 1)
	require.NoError(t, p.Connect(t.Context(), local, func(_ context.Context, env cbus.Envelope) error {
		got <- env
		return nil
	}))

	require.NoError(t, p.Send(t.Context(), ping(7)))

	select {
	case env := <-got:
		assert.Equal(t, pingCommand{N: 7}, env.Body())
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	require.NoError(t, p.Disconnect(t.Context()))
	assert.Equal(t, 0, tr.Network().Depth(local))
	assert.Equal(t, 0, p.InFlight())
}

func TestPollingProvider_FailedHandlingIsRedelivered(t *testing.T) {
	p, _ := newProvider(t, transport.WithRedeliveryDelay(5*time.Millisecond))

	var attempts atomic.Int32
	require.NoError(t, p.Connect(t.Context(), local, func(context.Context, cbus.Envelope) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}

		return nil
	}))

	require.NoError(t, p.Send(t.Context(), ping(1)))
	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPollingProvider_PanicIsRedelivered(t *testing.T) {
	p, _ := newProvider(t)

	var attempts atomic.Int32
	require.NoError(t, p.Connect(t.Context(), local, func(context.Context, cbus.Envelope) error {
		if attempts.Add(1) == 1 {
			panic("handler bug")
		}

		return nil
	}))

	require.NoError(t, p.Send(t.Context(), ping(1)))
	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPollingProvider_DropsForeignEntries(t *testing.T) {
	p, tr := newProvider(t)

	var calls atomic.Int32
	require.NoError(t, p.Connect(t.Context(), local, func(context.Context, cbus.Envelope) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, tr.Send(t.Context(), local, []byte("not an envelope")))
	require.NoError(t, tr.Send(t.Context(), local, []byte(`{"headers":{},"type":"x","body":null}`)))
	require.NoError(t, p.Send(t.Context(), ping(2)))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Disconnect(t.Context()))
	assert.Equal(t, 0, tr.Network().Depth(local))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollingProvider_DisconnectDrainsInFlight(t *testing.T) {
	p, _ := newProvider(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	require.NoError(t, p.Connect(t.Context(), local, func(context.Context, cbus.Envelope) error {
		close(started)
		<-release
		finished.Store(true)

		return nil
	}))

	require.NoError(t, p.Send(t.Context(), ping(3)))
	<-started
	assert.Equal(t, 1, p.InFlight())

	done := make(chan error, 1)
	go func() { done <- p.Disconnect(context.Background()) }()

	select {
	case <-done:
		t.Fatal("disconnect returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
}

// closeTracking records whether the receiver it opened was closed.
type closeTracking struct {
	*inmemory.Transport

	closed atomic.Bool
}

func (c *closeTracking) Open(ctx context.Context, addr cbus.EndpointAddress) (transport.Receiver, error) {
	recv, err := c.Transport.Open(ctx, addr)
	if err != nil {
		return nil, err
	}

	return trackedReceiver{Receiver: recv, closed: &c.closed}, nil
}

type trackedReceiver struct {
	transport.Receiver

	closed *atomic.Bool
}

func (r trackedReceiver) Close() error {
	r.closed.Store(true)
	return r.Receiver.Close()
}

func TestPollingProvider_DisconnectIsBoundedByContext(t *testing.T) {
	tr := &closeTracking{Transport: inmemory.New()}
	p := transport.NewPollingProvider(tr, codec.NewEnvelopeCodec(codec.NewRegistry(pingCommand{})),
		transport.WithPollInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = p.Close() })

	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, p.Connect(t.Context(), local, func(context.Context, cbus.Envelope) error {
		close(started)
		<-release

		return nil
	}))

	require.NoError(t, p.Send(t.Context(), ping(4)))
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, p.Disconnect(ctx), context.DeadlineExceeded)
	assert.False(t, tr.closed.Load())

	close(release)
	require.Eventually(t, func() bool { return p.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, tr.closed.Load, 2*time.Second, 5*time.Millisecond)
}

func TestPollingProvider_MaxConcurrency(t *testing.T) {
	p, _ := newProvider(t, transport.WithMaxConcurrency(1))

	var (
		mu      sync.Mutex
		current int
		peak    int
		handled atomic.Int32
	)

	require.NoError(t, p.Connect(t.Context(), local, func(context.Context, cbus.Envelope) error {
		mu.Lock()
		current++
		peak = max(peak, current)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		handled.Add(1)

		return nil
	}))

	for i := range 4 {
		require.NoError(t, p.Send(t.Context(), ping(i)))
	}

	require.Eventually(t, func() bool { return handled.Load() == 4 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}

func TestPollingProvider_ConnectErrors(t *testing.T) {
	p, _ := newProvider(t)
	noop := func(context.Context, cbus.Envelope) error { return nil }

	require.ErrorIs(t, p.Connect(t.Context(), cbus.EndpointAddress{}, noop), berr.ErrLocalAddressMissing)
	require.NoError(t, p.Connect(t.Context(), local, noop))
	require.Error(t, p.Connect(t.Context(), local, noop))
}

type failingTransport struct{ *inmemory.Transport }

func (failingTransport) Send(context.Context, cbus.EndpointAddress, []byte) error {
	return errors.New("queue unreachable")
}

func TestPollingProvider_SendErrors(t *testing.T) {
	reg := codec.NewRegistry(pingCommand{})

	t.Run("missing recipient", func(t *testing.T) {
		p := transport.NewPollingProvider(inmemory.New(), codec.NewEnvelopeCodec(reg))
		err := p.Send(t.Context(), cbus.NewEnvelope(nil, pingCommand{}))
		require.ErrorIs(t, err, berr.ErrRouteNotFound)
	})

	t.Run("transport failure is wrapped", func(t *testing.T) {
		p := transport.NewPollingProvider(failingTransport{inmemory.New()}, codec.NewEnvelopeCodec(reg))

		err := p.Send(t.Context(), ping(1))
		require.ErrorIs(t, err, berr.ErrTransportFailed)

		var terr *berr.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, inmemory.Medium, terr.Medium)
		assert.Equal(t, inmemory.Medium, p.TransportMediumName())
	})
}
