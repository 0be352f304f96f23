package eventsourcing

import "github.com/next-trace/jitney/codec"

// SnapshotStrategy takes a snapshot every Threshold versions. An empty AggregateType makes it
// the global strategy.
type SnapshotStrategy struct {
	Threshold     int
	AggregateType string
}

// Every returns a global strategy.
func Every(threshold int) SnapshotStrategy { return SnapshotStrategy{Threshold: threshold} }

// EveryFor returns a strategy applying to aggregates of type T only.
func EveryFor[T AggregateRoot](threshold int) SnapshotStrategy {
	return SnapshotStrategy{Threshold: threshold, AggregateType: codec.NameFor[T]()}
}

// ShouldSnapshot reports whether a save reaching version triggers a snapshot.
func (s SnapshotStrategy) ShouldSnapshot(version int) bool {
	return s.Threshold > 0 && version != 0 && version%s.Threshold == 0
}

// SnapshotPolicy selects the strategy for an aggregate type. A typed strategy replaces the
// global one for its type.
type SnapshotPolicy struct {
	global *SnapshotStrategy
	typed  map[string]SnapshotStrategy
}

// NewSnapshotPolicy builds a policy. Later strategies for the same type win.
func NewSnapshotPolicy(strategies ...SnapshotStrategy) SnapshotPolicy {
	p := SnapshotPolicy{typed: map[string]SnapshotStrategy{}}

	for _, s := range strategies {
		if s.AggregateType == "" {
			g := s
			p.global = &g

			continue
		}

		p.typed[s.AggregateType] = s
	}

	return p
}

// For returns the strategy governing aggregateType.
func (p SnapshotPolicy) For(aggregateType string) (SnapshotStrategy, bool) {
	if s, ok := p.typed[aggregateType]; ok {
		return s, true
	}

	if p.global != nil {
		return *p.global, true
	}

	return SnapshotStrategy{}, false
}

// Typed reports whether aggregateType has its own strategy.
func (p SnapshotPolicy) Typed(aggregateType string) bool {
	_, ok := p.typed[aggregateType]
	return ok
}

// ShouldSnapshot reports whether saving an aggregateType at version triggers a snapshot.
func (p SnapshotPolicy) ShouldSnapshot(aggregateType string, version int) bool {
	s, ok := p.For(aggregateType)
	return ok && s.ShouldSnapshot(version)
}
