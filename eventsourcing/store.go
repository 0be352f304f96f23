package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
)

// DefaultPageSize is the number of events ReplayAll reads per page.
const DefaultPageSize = 256

var errNilAggregateID = errors.New("eventsourcing: aggregate id is nil")

// Store opens event streams over a Backend.
type Store struct {
	backend  Backend
	pageSize int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPageSize sets the ReplayAll page size.
func WithPageSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func NewStore(b Backend, opts ...StoreOption) *Store {
	s := &Store{backend: b, pageSize: DefaultPageSize}
	for _, o := range opts {
		o(s)
	}

	return s
}

// OpenStream opens the stream of one aggregate.
func (s *Store) OpenStream(ctx context.Context, aggregateType string, id uuid.UUID) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if id == uuid.Nil {
		return nil, fmt.Errorf("open stream %s: %w", aggregateType, errNilAggregateID)
	}

	return &Stream{backend: s.backend, aggregateType: aggregateType, id: id}, nil
}

// ReplayAll passes every stored event to dispatch in position order. Pages are read forward
// from the last seen position, so events appended meanwhile are included once they are reached.
func (s *Store) ReplayAll(ctx context.Context, dispatch func(ctx context.Context, d EventDescriptor) error) error {
	var after int64

	for {
		page, err := s.backend.ReadAll(ctx, after, s.pageSize)
		if err != nil {
			return fmt.Errorf("replay all after %d: %w", after, err)
		}

		for _, d := range page {
			if err := dispatch(ctx, d); err != nil {
				return err
			}

			after = d.Position
		}

		if len(page) < s.pageSize {
			return nil
		}
	}
}

// Stream is the event stream of one aggregate.
type Stream struct {
	backend       Backend
	aggregateType string
	id            uuid.UUID
}

func (s *Stream) AggregateType() string  { return s.aggregateType }
func (s *Stream) AggregateID() uuid.UUID { return s.id }

// Replay returns the full history.
func (s *Stream) Replay(ctx context.Context) (*EventHistory, error) {
	return s.load(ctx, 0)
}

// HasSnapshot reports whether a snapshot was stored.
func (s *Stream) HasSnapshot(ctx context.Context) (bool, error) {
	snap, err := s.LatestSnapshot(ctx)
	return snap != nil, err
}

// LatestSnapshot returns the newest snapshot, or nil.
func (s *Stream) LatestSnapshot(ctx context.Context) (*SnapshotDescriptor, error) {
	snap, err := s.backend.LoadLatestSnapshot(ctx, s.aggregateType, s.id)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s %s: %w", s.aggregateType, s.id, err)
	}

	return snap, nil
}

// ReplayFromSnapshot returns the events after snapshot.
func (s *Stream) ReplayFromSnapshot(ctx context.Context, snapshot *SnapshotDescriptor) (*EventHistory, error) {
	if snapshot == nil {
		return s.Replay(ctx)
	}

	return s.load(ctx, snapshot.Version+1)
}

// Save appends events after expectedVersion (-1 for a new stream). Every descriptor carries a
// copy of headers.
func (s *Stream) Save(ctx context.Context, events []cbus.Event, expectedVersion int, headers map[string]string) ([]EventDescriptor, error) {
	if len(events) == 0 {
		return nil, nil
	}

	ts := now().UTC()
	descriptors := make([]EventDescriptor, len(events))

	for i, e := range events {
		descriptors[i] = EventDescriptor{
			AggregateType: s.aggregateType,
			AggregateID:   s.id,
			Version:       expectedVersion + 1 + i,
			Timestamp:     ts,
			EventType:     codec.NameOf(e),
			Event:         e,
			Headers:       maps.Clone(headers),
		}
	}

	stored, err := s.backend.AppendEvents(ctx, s.aggregateType, s.id, expectedVersion, descriptors)
	if err != nil {
		return nil, fmt.Errorf("append %s %s: %w", s.aggregateType, s.id, err)
	}

	return stored, nil
}

// SaveSnapshot stores state as the snapshot at version.
func (s *Stream) SaveSnapshot(ctx context.Context, version int, state any) error {
	err := s.backend.AppendSnapshot(ctx, SnapshotDescriptor{
		AggregateType: s.aggregateType,
		AggregateID:   s.id,
		Version:       version,
		Timestamp:     now().UTC(),
		SnapshotType:  codec.NameOf(state),
		Snapshot:      state,
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s %s@%d: %w", s.aggregateType, s.id, version, err)
	}

	return nil
}

func (s *Stream) load(ctx context.Context, from int) (*EventHistory, error) {
	events, err := s.backend.LoadEvents(ctx, s.aggregateType, s.id, from)
	if err != nil {
		return nil, fmt.Errorf("load events %s %s: %w", s.aggregateType, s.id, err)
	}

	return newEventHistory(events), nil
}
