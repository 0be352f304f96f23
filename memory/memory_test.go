package memory_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/next-trace/jitney"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
	"github.com/next-trace/jitney/memory"
	"github.com/next-trace/jitney/servicebus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type incrementCounter struct {
	ID uuid.UUID
	By int
}

func (incrementCounter) IsCommand() {}

type incremented struct {
	ID    uuid.UUID
	By    int
	Total int
}

func (incremented) IsEvent() {}

type counter struct {
	eventsourcing.AggregateBase

	total int
}

func newCounter() *counter {
	c := &counter{}
	eventsourcing.On(&c.AggregateBase, func(e incremented) { c.total = e.Total })

	return c
}

type counting struct {
	mu     sync.Mutex
	totals []int
}

func (*counting) Name() string { return "counting" }

func (c *counting) Configure(h *servicebus.Handlers, repo *eventsourcing.Repository) error {
	err := servicebus.BindCommand(h, servicebus.CommandHandlerFunc[incrementCounter](func(ctx context.Context, cmd incrementCounter) error {
		agg, err := eventsourcing.GetByID(ctx, repo, cmd.ID, newCounter)
		if errors.Is(err, berr.ErrAggregateNotFound) {
			agg = newCounter()
			agg.SetID(cmd.ID)
		} else if err != nil {
			return err
		}

		if err := agg.Raise(incremented{ID: cmd.ID, By: cmd.By, Total: agg.total + cmd.By}); err != nil {
			return err
		}

		return repo.Save(ctx, agg, nil)
	}))
	if err != nil {
		return err
	}

	return servicebus.BindEvent(h, servicebus.EventHandlerFunc[incremented](func(_ context.Context, e incremented) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.totals = append(c.totals, e.Total)

		return nil
	}))
}

func (c *counting) Totals() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]int(nil), c.totals...)
}

func TestNew_EventSourcedRoundTrip(t *testing.T) {
	bc := &counting{}

	bus, cleanup, err := memory.New(t.Context(), "counters",
		jitney.WithLogger(slog.New(slog.DiscardHandler)),
		jitney.WithBoundedContexts(bc),
		jitney.WithBuilder(func(b *servicebus.Builder) {
			b.MapContracts(incrementCounter{}, incremented{}).ToMe()
		}),
	)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	require.NoError(t, bus.Start(t.Context()))

	id := uuid.New()
	require.NoError(t, bus.Send(t.Context(), incrementCounter{ID: id, By: 5}))
	require.Eventually(t, func() bool { return len(bc.Totals()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Send(t.Context(), incrementCounter{ID: id, By: 2}))
	require.Eventually(t, func() bool { return len(bc.Totals()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{5, 7}, bc.Totals())

	agg, err := eventsourcing.GetByID(t.Context(), bus.Repository(), id, newCounter)
	require.NoError(t, err)
	assert.Equal(t, 7, agg.total)
	assert.Equal(t, 1, agg.Version())
	assert.Equal(t, "inmemory", bus.TransportMediumName())
}

func TestNew_RequiresLocalEndpoint(t *testing.T) {
	_, _, err := memory.New(t.Context(), "", jitney.WithLogger(slog.New(slog.DiscardHandler)))
	require.ErrorIs(t, err, berr.ErrLocalAddressMissing)
}
