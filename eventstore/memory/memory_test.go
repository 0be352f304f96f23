package memory_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
	"github.com/next-trace/jitney/eventstore/memory"
)

func descriptors(n int) []eventsourcing.EventDescriptor {
	return make([]eventsourcing.EventDescriptor, n)
}

func TestBackend_AppendChecksVersion(t *testing.T) {
	b := memory.New()
	id := uuid.New()

	stored, err := b.AppendEvents(t.Context(), "counter", id, -1, descriptors(2))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, []int64{stored[0].Position, stored[1].Position})

	_, err = b.AppendEvents(t.Context(), "counter", id, 0, descriptors(1))
	require.ErrorIs(t, err, berr.ErrConcurrencyConflict)

	var cerr *berr.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 1, cerr.Actual)

	_, err = b.AppendEvents(t.Context(), "counter", id, 1, descriptors(1))
	require.NoError(t, err)

	events, err := b.LoadEvents(t.Context(), "counter", id, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestBackend_ReadAllPages(t *testing.T) {
	b := memory.New()

	for range 3 {
		_, err := b.AppendEvents(t.Context(), "counter", uuid.New(), -1, descriptors(2))
		require.NoError(t, err)
	}

	page, err := b.ReadAll(t.Context(), 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)

	rest, err := b.ReadAll(t.Context(), page[3].Position, 4)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, int64(6), rest[1].Position)
}

func TestBackend_LatestSnapshotWins(t *testing.T) {
	b := memory.New()
	id := uuid.New()

	snap, err := b.LoadLatestSnapshot(t.Context(), "counter", id)
	require.NoError(t, err)
	require.Nil(t, snap)

	require.NoError(t, b.AppendSnapshot(t.Context(), eventsourcing.SnapshotDescriptor{AggregateType: "counter", AggregateID: id, Version: 4}))
	require.NoError(t, b.AppendSnapshot(t.Context(), eventsourcing.SnapshotDescriptor{AggregateType: "counter", AggregateID: id, Version: 2}))

	snap, err = b.LoadLatestSnapshot(t.Context(), "counter", id)
	require.NoError(t, err)
	require.Equal(t, 4, snap.Version)
}
