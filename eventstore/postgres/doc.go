// Package postgres stores event streams and snapshots in PostgreSQL.
//
// Events live in one table with a global bigserial position and a unique
// (aggregate_type, aggregate_id, version) index; the index is the optimistic
// concurrency check of last resort. Payloads are JSON, decoded through a codec.Registry,
// so every event and snapshot type read back must be registered.
//
// Example:
//
//	reg := codec.NewRegistry(OrderPlaced{}, orderState{})
//	backend, cleanup, err := postgres.NewWithPool(ctx, "postgres://localhost/jitney", reg)
//	if err != nil { /* handle */ }
//	defer cleanup()
//	store := eventsourcing.NewStore(backend)
package postgres
