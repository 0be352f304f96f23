/*
Package eventsourcing persists aggregates as versioned event streams.

An aggregate embeds AggregateBase and registers one apply function per event type with On.
The Repository loads an aggregate from its latest snapshot plus the events after it, or from
the full history, and saves uncommitted events with an optimistic version check. A
SnapshotPolicy decides after each save whether a snapshot is taken.

Storage is pluggable through the Backend interface; see eventstore/memory and
eventstore/postgres.
*/
package eventsourcing
