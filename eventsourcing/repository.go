package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

// Publisher dispatches committed events, typically the bus.
type Publisher interface {
	Publish(ctx context.Context, event cbus.Event) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, event cbus.Event) error

func (f PublisherFunc) Publish(ctx context.Context, event cbus.Event) error { return f(ctx, event) }

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithSnapshotPolicy sets the snapshot strategies.
func WithSnapshotPolicy(strategies ...SnapshotStrategy) RepositoryOption {
	return func(r *Repository) { r.policy = NewSnapshotPolicy(strategies...) }
}

// WithPublisher publishes every committed event through p after it was stored.
func WithPublisher(p Publisher) RepositoryOption {
	return func(r *Repository) { r.publisher = p }
}

// WithLogger sets the logger reporting failed snapshots.
func WithLogger(l *slog.Logger) RepositoryOption {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// Repository loads and saves aggregates.
type Repository struct {
	store     *Store
	policy    SnapshotPolicy
	publisher Publisher
	logger    *slog.Logger
}

func NewRepository(store *Store, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:  store,
		policy: NewSnapshotPolicy(),
		logger: slog.New(slog.DiscardHandler),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Store returns the underlying event store.
func (r *Repository) Store() *Store { return r.store }

// GetByID rebuilds the aggregate id on a fresh instance from factory. A Snapshotable aggregate
// starts from its latest snapshot and replays only later events. An id without events and
// without snapshot returns ErrAggregateNotFound.
func GetByID[T AggregateRoot](ctx context.Context, r *Repository, id uuid.UUID, factory func() T) (T, error) {
	agg := factory()
	aggType := codec.NameOf(agg)

	var zero T

	stream, err := r.store.OpenStream(ctx, aggType, id)
	if err != nil {
		return zero, err
	}

	base := agg.base()
	base.SetID(id)

	history, restored, err := r.history(ctx, stream, agg)
	if err != nil {
		return zero, err
	}

	if !restored && history.Remaining() == 0 {
		return zero, fmt.Errorf("%s %s: %w", aggType, id, berr.ErrAggregateNotFound)
	}

	for d := range history.All() {
		if err := base.replay(d); err != nil {
			return zero, err
		}
	}

	return agg, nil
}

func (r *Repository) history(ctx context.Context, stream *Stream, agg AggregateRoot) (*EventHistory, bool, error) {
	s, ok := agg.(Snapshotable)
	if !ok {
		h, err := stream.Replay(ctx)
		return h, false, err
	}

	snap, err := stream.LatestSnapshot(ctx)
	if err != nil {
		return nil, false, err
	}

	if snap == nil {
		h, err := stream.Replay(ctx)
		return h, false, err
	}

	if err := s.RestoreSnapshot(snap.Snapshot); err != nil {
		return nil, false, fmt.Errorf("restore %s %s@%d: %w", stream.AggregateType(), stream.AggregateID(), snap.Version, err)
	}

	agg.base().restore(snap.Version)

	h, err := stream.ReplayFromSnapshot(ctx, snap)

	return h, true, err
}

// Save appends the uncommitted events of agg, expecting the stream at the version the aggregate
// had before them. A concurrent writer makes it fail with a ConcurrencyError and leaves agg
// unchanged. After the append it takes a snapshot when the policy says so, clears the
// uncommitted events and publishes them.
func (r *Repository) Save(ctx context.Context, agg AggregateRoot, headers map[string]string) error {
	events := agg.Uncommitted()
	if len(events) == 0 {
		return nil
	}

	aggType := codec.NameOf(agg)
	snapshotable, canSnapshot := agg.(Snapshotable)

	if r.policy.Typed(aggType) && !canSnapshot {
		return fmt.Errorf("save %s: %w", aggType, berr.ErrSnapshotNotSupported)
	}

	stream, err := r.store.OpenStream(ctx, aggType, agg.AggregateID())
	if err != nil {
		return err
	}

	expected := agg.Version() - len(events)
	if _, err := stream.Save(ctx, events, expected, headers); err != nil {
		return err
	}

	if canSnapshot && r.policy.ShouldSnapshot(aggType, agg.Version()) {
		r.snapshot(ctx, stream, snapshotable, agg.Version())
	}

	agg.base().markCommitted()

	return r.publish(ctx, events)
}

// snapshot failures are logged only: the events are stored and replay still works without it.
func (r *Repository) snapshot(ctx context.Context, stream *Stream, s Snapshotable, version int) {
	state, err := s.Snapshot()
	if err == nil {
		err = stream.SaveSnapshot(ctx, version, state)
	}

	if err != nil {
		r.logger.WarnContext(ctx, "snapshot failed",
			slog.String("aggregate", stream.AggregateType()),
			slog.String("id", stream.AggregateID().String()),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Repository) publish(ctx context.Context, events []cbus.Event) error {
	if r.publisher == nil {
		return nil
	}

	var errs []error

	for _, e := range events {
		if err := r.publisher.Publish(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", codec.NameOf(e), err))
		}
	}

	return errors.Join(errs...)
}

// ReplayAll publishes every stored event in store order, e.g. to rebuild read models.
func (r *Repository) ReplayAll(ctx context.Context) error {
	if r.publisher == nil {
		return nil
	}

	return r.store.ReplayAll(ctx, func(ctx context.Context, d EventDescriptor) error {
		return r.publisher.Publish(ctx, d.Event)
	})
}
