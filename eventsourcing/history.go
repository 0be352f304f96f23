package eventsourcing

import "iter"

// EventHistory is a single-pass sequence of the events of one stream, in version order.
// Replaying again requires reading the stream again.
type EventHistory struct {
	events []EventDescriptor
	next   int
}

func newEventHistory(events []EventDescriptor) *EventHistory {
	return &EventHistory{events: events}
}

// Next returns the following event.
func (h *EventHistory) Next() (EventDescriptor, bool) {
	if h.next >= len(h.events) {
		return EventDescriptor{}, false
	}

	d := h.events[h.next]
	h.next++

	return d, true
}

// Remaining is the number of events not consumed yet.
func (h *EventHistory) Remaining() int { return len(h.events) - h.next }

// All yields the remaining events, consuming them.
func (h *EventHistory) All() iter.Seq[EventDescriptor] {
	return func(yield func(EventDescriptor) bool) {
		for {
			d, ok := h.Next()
			if !ok || !yield(d) {
				return
			}
		}
	}
}
