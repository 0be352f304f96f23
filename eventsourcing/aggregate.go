package eventsourcing

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

// AggregateRoot is implemented by embedding AggregateBase.
type AggregateRoot interface {
	AggregateID() uuid.UUID
	// Version is the version of the last applied event, -1 when none.
	Version() int
	Uncommitted() []cbus.Event

	base() *AggregateBase
}

// Snapshotable aggregates can be restored from a snapshot instead of their full history.
type Snapshotable interface {
	Snapshot() (any, error)
	RestoreSnapshot(state any) error
}

// AggregateBase tracks identity, version and uncommitted events, and dispatches events to the
// apply functions registered with On. The zero value is an aggregate without events.
type AggregateBase struct {
	id          uuid.UUID
	applied     int
	uncommitted []cbus.Event
	appliers    map[string]func(cbus.Event) error
}

// On registers fn as the apply function for events of type E. Call it while constructing the
// aggregate, before any event is applied. E and *E share a type name; an event of the other
// shape fails with ErrHandlerTypeMismatch.
func On[E cbus.Event](a *AggregateBase, fn func(E)) {
	if a.appliers == nil {
		a.appliers = map[string]func(cbus.Event) error{}
	}

	a.appliers[codec.NameFor[E]()] = func(e cbus.Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("apply %T: %w", e, berr.ErrHandlerTypeMismatch)
		}

		fn(typed)

		return nil
	}
}

// SetID assigns the identity of a new aggregate.
func (a *AggregateBase) SetID(id uuid.UUID) { a.id = id }

func (a *AggregateBase) AggregateID() uuid.UUID { return a.id }

func (a *AggregateBase) Version() int { return a.applied - 1 }

func (a *AggregateBase) Uncommitted() []cbus.Event {
	return append([]cbus.Event(nil), a.uncommitted...)
}

// Raise applies e and records it for the next save.
func (a *AggregateBase) Raise(e cbus.Event) error {
	if err := a.apply(e); err != nil {
		return err
	}

	a.uncommitted = append(a.uncommitted, e)

	return nil
}

func (a *AggregateBase) base() *AggregateBase { return a }

func (a *AggregateBase) apply(e cbus.Event) error {
	name := codec.NameOf(e)

	fn, ok := a.appliers[name]
	if !ok {
		return fmt.Errorf("apply %s: %w", name, berr.ErrNoApplyHandler)
	}

	if err := fn(e); err != nil {
		return err
	}

	a.applied++

	return nil
}

// replay applies a stored event, moving the version to the event's.
func (a *AggregateBase) replay(d EventDescriptor) error {
	if d.Version != a.Version()+1 {
		return fmt.Errorf("replay %s %s: version %d after %d", d.AggregateType, d.AggregateID, d.Version, a.Version())
	}

	return a.apply(d.Event)
}

func (a *AggregateBase) restore(version int) { a.applied = version + 1 }

func (a *AggregateBase) markCommitted() { a.uncommitted = nil }
