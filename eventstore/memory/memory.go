// Package memory provides an in-process event store backend.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	berr "github.com/next-trace/jitney/contract/errors"
	"github.com/next-trace/jitney/eventsourcing"
)

type streamKey struct {
	aggregateType string
	id            uuid.UUID
}

// Backend keeps every stream, snapshot and the global log in memory.
type Backend struct {
	mu        sync.RWMutex
	streams   map[streamKey][]eventsourcing.EventDescriptor
	snapshots map[streamKey]eventsourcing.SnapshotDescriptor
	log       []eventsourcing.EventDescriptor
}

var _ eventsourcing.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		streams:   map[streamKey][]eventsourcing.EventDescriptor{},
		snapshots: map[streamKey]eventsourcing.SnapshotDescriptor{},
	}
}

func (b *Backend) AppendEvents(
	ctx context.Context,
	aggregateType string,
	id uuid.UUID,
	expectedVersion int,
	events []eventsourcing.EventDescriptor,
) ([]eventsourcing.EventDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := streamKey{aggregateType, id}
	stream := b.streams[key]

	if actual := len(stream) - 1; actual != expectedVersion {
		return nil, &berr.ConcurrencyError{
			AggregateType: aggregateType,
			AggregateID:   id.String(),
			Expected:      expectedVersion,
			Actual:        actual,
		}
	}

	stored := make([]eventsourcing.EventDescriptor, len(events))
	for i, d := range events {
		d.Headers = maps.Clone(d.Headers)
		d.Position = int64(len(b.log)) + 1
		b.log = append(b.log, d)
		stored[i] = d
	}

	b.streams[key] = append(stream, stored...)

	return stored, nil
}

func (b *Backend) LoadEvents(
	ctx context.Context,
	aggregateType string,
	id uuid.UUID,
	fromVersion int,
) ([]eventsourcing.EventDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	stream := b.streams[streamKey{aggregateType, id}]
	fromVersion = max(fromVersion, 0)

	if fromVersion >= len(stream) {
		return nil, nil
	}

	// versions are dense from 0, so the version is the index
	return append([]eventsourcing.EventDescriptor(nil), stream[fromVersion:]...), nil
}

func (b *Backend) LoadLatestSnapshot(
	ctx context.Context,
	aggregateType string,
	id uuid.UUID,
) (*eventsourcing.SnapshotDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	snap, ok := b.snapshots[streamKey{aggregateType, id}]
	if !ok {
		return nil, nil
	}

	return &snap, nil
}

func (b *Backend) AppendSnapshot(ctx context.Context, snapshot eventsourcing.SnapshotDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := streamKey{snapshot.AggregateType, snapshot.AggregateID}
	if current, ok := b.snapshots[key]; ok && current.Version > snapshot.Version {
		return nil
	}

	b.snapshots[key] = snapshot

	return nil
}

func (b *Backend) ReadAll(ctx context.Context, after int64, limit int) ([]eventsourcing.EventDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// positions are 1-based indexes into the log
	start := int(max(after, 0))
	if start >= len(b.log) {
		return nil, nil
	}

	end := len(b.log)
	if limit > 0 {
		end = min(end, start+limit)
	}

	return append([]eventsourcing.EventDescriptor(nil), b.log[start:end]...), nil
}
