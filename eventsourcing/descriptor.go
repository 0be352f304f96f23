package eventsourcing

import (
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/jitney/contract/bus"
)

var now = time.Now

// EventDescriptor is one stored event. Version is strictly increasing per stream, starting at 0.
// Position is the store-wide sequence assigned by the backend on append.
type EventDescriptor struct {
	AggregateType string
	AggregateID   uuid.UUID
	Version       int
	Timestamp     time.Time
	EventType     string
	Event         cbus.Event
	Headers       map[string]string
	Position      int64
}

// SnapshotDescriptor is the state of an aggregate at Version.
type SnapshotDescriptor struct {
	AggregateType string
	AggregateID   uuid.UUID
	Version       int
	Timestamp     time.Time
	SnapshotType  string
	Snapshot      any
}
