package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/jitney/codec"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
)

type valueEvent struct{ Value int }

func (valueEvent) IsEvent() {}

type notAnEvent struct{ Value int }

func newBackend() *Backend {
	return New(nil, codec.NewRegistry(valueEvent{}, notAnEvent{}))
}

func TestCurrentVersionQuery(t *testing.T) {
	id := uuid.New()

	query, args, err := newBackend().currentVersion("orders", id).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT COALESCE(MAX(version), -1) FROM jitney_events WHERE aggregate_id = $1 AND aggregate_type = $2",
		query)
	assert.Equal(t, []any{id, "orders"}, args)
}

func TestInsertEventsQuery(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	insert, err := newBackend().insertEvents([]eventsourcing.EventDescriptor{
		{AggregateType: "orders", AggregateID: id, Version: 0, Timestamp: ts, Event: valueEvent{Value: 1}},
		{AggregateType: "orders", AggregateID: id, Version: 1, Timestamp: ts, Event: valueEvent{Value: 2}, Headers: map[string]string{"k": "v"}},
	})
	require.NoError(t, err)

	query, args, err := insert.ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(query,
		"INSERT INTO jitney_events (aggregate_type,aggregate_id,version,event_type,payload,headers,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7),($8,"),
		query)
	assert.True(t, strings.HasSuffix(query, "RETURNING position"), query)
	require.Len(t, args, 14)
	assert.Equal(t, "github.com/next-trace/jitney/eventstore/postgres.valueEvent", args[3])
	assert.JSONEq(t, `{"Value":1}`, string(args[4].([]byte)))
	assert.Equal(t, map[string]string{}, args[5])
	assert.Equal(t, map[string]string{"k": "v"}, args[12])
}

func TestReadAllQuery(t *testing.T) {
	query, args, err := newBackend().selectEvents().
		Where("position > ?", int64(10)).
		OrderBy("position").
		Limit(5).
		ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT position, aggregate_type, aggregate_id, version, event_type, payload, headers, created_at FROM jitney_events WHERE position > $1 ORDER BY position LIMIT 5",
		query)
	assert.Equal(t, []any{int64(10)}, args)
}

func TestDecode(t *testing.T) {
	b := newBackend()
	id := uuid.New()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	d, err := b.decode(eventRow{
		Position:      7,
		AggregateType: "orders",
		AggregateID:   id,
		Version:       3,
		EventType:     codec.NameFor[valueEvent](),
		Payload:       []byte(`{"Value":42}`),
		Headers:       map[string]string{"tenant": "acme"},
		CreatedAt:     ts,
	})
	require.NoError(t, err)

	assert.Equal(t, valueEvent{Value: 42}, d.Event)
	assert.Equal(t, int64(7), d.Position)
	assert.Equal(t, 3, d.Version)
	assert.Equal(t, time.UTC, d.Timestamp.Location())

	_, err = b.decode(eventRow{EventType: "unknown", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, berr.ErrUnknownMessageType)

	_, err = b.decode(eventRow{EventType: codec.NameFor[notAnEvent](), Payload: []byte(`{}`)})
	require.ErrorIs(t, err, berr.ErrUnknownMessageType)
}

func TestAppendError(t *testing.T) {
	b := newBackend()
	id := uuid.New()

	err := b.appendError("orders", id, 2, &pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, err, berr.ErrConcurrencyConflict)

	var ce *berr.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Expected)
	assert.Equal(t, 3, ce.Actual)

	other := errors.New("boom")
	err = b.appendError("orders", id, 2, other)
	require.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, berr.ErrConcurrencyConflict)
}

type fakeDB struct {
	DB

	row pgx.Row
}

func (f fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func TestLoadLatestSnapshot_None(t *testing.T) {
	b := New(fakeDB{row: rowFunc(func(...any) error { return pgx.ErrNoRows })}, codec.NewRegistry())

	snap, err := b.LoadLatestSnapshot(t.Context(), "orders", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadLatestSnapshot_Decodes(t *testing.T) {
	name := codec.NameFor[notAnEvent]()
	b := New(fakeDB{row: rowFunc(func(dest ...any) error {
		*dest[0].(*int) = 4
		*dest[1].(*string) = name
		*dest[2].(*[]byte) = []byte(`{"Value":9}`)
		*dest[3].(*time.Time) = time.Unix(0, 0)

		return nil
	})}, codec.NewRegistry(notAnEvent{}))

	snap, err := b.LoadLatestSnapshot(t.Context(), "orders", uuid.New())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 4, snap.Version)
	assert.Equal(t, notAnEvent{Value: 9}, snap.Snapshot)
}

func TestNewWithPool_RequiresDSN(t *testing.T) {
	_, _, err := NewWithPool(t.Context(), "", codec.NewRegistry())
	require.ErrorIs(t, err, berr.ErrNotConnected)
}
