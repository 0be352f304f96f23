package eventsourcing

import (
	"context"

	"github.com/google/uuid"
)

// Backend is the storage primitive behind a Store. Implementations must append the events of
// one call atomically.
type Backend interface {
	// AppendEvents appends events to the stream when its current version equals expectedVersion
	// (-1 for a new stream); otherwise it returns a *errors.ConcurrencyError. It returns the
	// events with their positions assigned.
	AppendEvents(ctx context.Context, aggregateType string, id uuid.UUID, expectedVersion int, events []EventDescriptor) ([]EventDescriptor, error)
	// LoadEvents returns the events of the stream with a version of at least fromVersion, ascending.
	LoadEvents(ctx context.Context, aggregateType string, id uuid.UUID, fromVersion int) ([]EventDescriptor, error)
	// LoadLatestSnapshot returns the newest snapshot of the stream, or nil when there is none.
	LoadLatestSnapshot(ctx context.Context, aggregateType string, id uuid.UUID) (*SnapshotDescriptor, error)
	AppendSnapshot(ctx context.Context, snapshot SnapshotDescriptor) error
	// ReadAll returns up to limit events of every stream with a position greater than after,
	// ascending by position.
	ReadAll(ctx context.Context, after int64, limit int) ([]EventDescriptor, error)
}
