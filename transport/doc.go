// Package transport implements a poll-based bus.Provider over a narrow queue contract.
//
// A Transport owns the physical queues of one medium. The PollingProvider receives from the
// local queue in a background loop, hands every delivery to its own goroutine and commits the
// delivery only after the envelope handler returned without error. Failed deliveries are
// aborted so the medium can redeliver them (at-least-once).
package transport
