package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
)

const (
	EventsTable    = "jitney_events"
	SnapshotsTable = "jitney_snapshots"

	uniqueViolation = "23505"
)

// Schema creates the tables used by Backend.
const Schema = `
CREATE TABLE IF NOT EXISTS ` + EventsTable + ` (
	position       BIGSERIAL PRIMARY KEY,
	aggregate_type TEXT        NOT NULL,
	aggregate_id   UUID        NOT NULL,
	version        INTEGER     NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	headers        JSONB       NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_type, aggregate_id, version)
);
CREATE TABLE IF NOT EXISTS ` + SnapshotsTable + ` (
	aggregate_type TEXT        NOT NULL,
	aggregate_id   UUID        NOT NULL,
	version        INTEGER     NOT NULL,
	snapshot_type  TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id, version)
);`

var eventColumns = []string{
	"position", "aggregate_type", "aggregate_id", "version", "event_type", "payload", "headers", "created_at",
}

// DB is the subset of *pgxpool.Pool the backend uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Backend implements eventsourcing.Backend on PostgreSQL.
type Backend struct {
	db       DB
	registry *codec.Registry
	psql     sq.StatementBuilderType
}

var _ eventsourcing.Backend = (*Backend)(nil)

// New returns a backend over db. Types read back are resolved through registry.
func New(db DB, registry *codec.Registry) *Backend {
	return &Backend{
		db:       db,
		registry: registry,
		psql:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}

	return nil
}

func (b *Backend) AppendEvents(
	ctx context.Context,
	aggregateType string,
	id uuid.UUID,
	expectedVersion int,
	events []eventsourcing.EventDescriptor,
) (_ []eventsourcing.EventDescriptor, err error) {
	if len(events) == 0 {
		return nil, nil
	}

	insert, err := b.insertEvents(events)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres begin: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	query, args, err := b.currentVersion(aggregateType, id).ToSql()
	if err != nil {
		return nil, err
	}

	var actual int
	if err := tx.QueryRow(ctx, query, args...).Scan(&actual); err != nil {
		return nil, fmt.Errorf("postgres current version: %w", err)
	}

	if actual != expectedVersion {
		return nil, conflict(aggregateType, id, expectedVersion, actual)
	}

	query, args, err = insert.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, b.appendError(aggregateType, id, expectedVersion, err)
	}

	positions, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, b.appendError(aggregateType, id, expectedVersion, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, b.appendError(aggregateType, id, expectedVersion, err)
	}

	stored := make([]eventsourcing.EventDescriptor, len(events))
	for i, d := range events {
		d.Position = positions[i]
		stored[i] = d
	}

	return stored, nil
}

func (b *Backend) LoadEvents(
	ctx context.Context,
	aggregateType string,
	id uuid.UUID,
	fromVersion int,
) ([]eventsourcing.EventDescriptor, error) {
	query, args, err := b.selectEvents().
		Where(sq.Eq{"aggregate_type": aggregateType, "aggregate_id": id}).
		Where(sq.GtOrEq{"version": fromVersion}).
		OrderBy("version").
		ToSql()
	if err != nil {
		return nil, err
	}

	return b.queryEvents(ctx, query, args)
}

func (b *Backend) ReadAll(ctx context.Context, after int64, limit int) ([]eventsourcing.EventDescriptor, error) {
	query, args, err := b.selectEvents().
		Where(sq.Gt{"position": after}).
		OrderBy("position").
		Limit(uint64(max(limit, 0))).
		ToSql()
	if err != nil {
		return nil, err
	}

	return b.queryEvents(ctx, query, args)
}

func (b *Backend) LoadLatestSnapshot(ctx context.Context, aggregateType string, id uuid.UUID) (*eventsourcing.SnapshotDescriptor, error) {
	query, args, err := b.psql.
		Select("version", "snapshot_type", "payload", "created_at").
		From(SnapshotsTable).
		Where(sq.Eq{"aggregate_type": aggregateType, "aggregate_id": id}).
		OrderBy("version DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	var (
		version  int
		typeName string
		payload  []byte
		created  time.Time
	)

	err = b.db.QueryRow(ctx, query, args...).Scan(&version, &typeName, &payload, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("postgres load snapshot: %w", err)
	}

	state, err := b.registry.Decode(typeName, payload)
	if err != nil {
		return nil, err
	}

	return &eventsourcing.SnapshotDescriptor{
		AggregateType: aggregateType,
		AggregateID:   id,
		Version:       version,
		Timestamp:     created.UTC(),
		SnapshotType:  typeName,
		Snapshot:      state,
	}, nil
}

// AppendSnapshot stores s. A snapshot already stored at the same version is kept.
func (b *Backend) AppendSnapshot(ctx context.Context, s eventsourcing.SnapshotDescriptor) error {
	typeName, payload, err := b.registry.Encode(s.Snapshot)
	if err != nil {
		return err
	}

	query, args, err := b.psql.
		Insert(SnapshotsTable).
		Columns("aggregate_type", "aggregate_id", "version", "snapshot_type", "payload", "created_at").
		Values(s.AggregateType, s.AggregateID, s.Version, typeName, payload, s.Timestamp).
		Suffix("ON CONFLICT (aggregate_type, aggregate_id, version) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := b.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres append snapshot: %w", err)
	}

	return nil
}

func (b *Backend) currentVersion(aggregateType string, id uuid.UUID) sq.SelectBuilder {
	return b.psql.
		Select("COALESCE(MAX(version), -1)").
		From(EventsTable).
		Where(sq.Eq{"aggregate_type": aggregateType, "aggregate_id": id})
}

func (b *Backend) insertEvents(events []eventsourcing.EventDescriptor) (sq.InsertBuilder, error) {
	insert := b.psql.
		Insert(EventsTable).
		Columns(eventColumns[1:]...).
		Suffix("RETURNING position")

	for _, d := range events {
		typeName, payload, err := b.registry.Encode(d.Event)
		if err != nil {
			return insert, err
		}

		headers := d.Headers
		if headers == nil {
			headers = map[string]string{}
		}

		insert = insert.Values(d.AggregateType, d.AggregateID, d.Version, typeName, payload, headers, d.Timestamp)
	}

	return insert, nil
}

func (b *Backend) selectEvents() sq.SelectBuilder {
	return b.psql.Select(eventColumns...).From(EventsTable)
}

type eventRow struct {
	Position      int64
	AggregateType string
	AggregateID   uuid.UUID
	Version       int
	EventType     string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
}

func (b *Backend) queryEvents(ctx context.Context, query string, args []any) ([]eventsourcing.EventDescriptor, error) {
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query events: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[eventRow])
	if err != nil {
		return nil, fmt.Errorf("postgres scan events: %w", err)
	}

	out := make([]eventsourcing.EventDescriptor, 0, len(records))

	for _, r := range records {
		d, err := b.decode(r)
		if err != nil {
			return nil, err
		}

		out = append(out, d)
	}

	return out, nil
}

func (b *Backend) decode(r eventRow) (eventsourcing.EventDescriptor, error) {
	v, err := b.registry.Decode(r.EventType, r.Payload)
	if err != nil {
		return eventsourcing.EventDescriptor{}, err
	}

	e, ok := v.(cbus.Event)
	if !ok {
		return eventsourcing.EventDescriptor{}, fmt.Errorf("decode %s: not an event: %w", r.EventType, berr.ErrUnknownMessageType)
	}

	return eventsourcing.EventDescriptor{
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Version:       r.Version,
		Timestamp:     r.CreatedAt.UTC(),
		EventType:     r.EventType,
		Event:         e,
		Headers:       r.Headers,
		Position:      r.Position,
	}, nil
}

// appendError maps a unique violation, raised when a concurrent writer appended the same
// version first, to a ConcurrencyError. Actual is then only known to be past expected.
func (b *Backend) appendError(aggregateType string, id uuid.UUID, expected int, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return conflict(aggregateType, id, expected, expected+1)
	}

	return fmt.Errorf("postgres append events: %w", err)
}

func conflict(aggregateType string, id uuid.UUID, expected, actual int) error {
	return &berr.ConcurrencyError{
		AggregateType: aggregateType,
		AggregateID:   id.String(),
		Expected:      expected,
		Actual:        actual,
	}
}
