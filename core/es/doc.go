// Package es implements the event sourcing core: an append-only,
// tenant-isolated event store with per-aggregate sequencing, snapshot-backed
// aggregate replay, and eventually-consistent read model projection.
//
// The EventStore ledger is the single source of truth. Snapshots and read
// models are derived data; both may be deleted and rebuilt from the ledger
// without loss.
//
// Storage backends plug in behind the EventStore, SnapshotStore,
// ReadModelStore and DeadLetterStore interfaces. An in-memory implementation
// of each lives in this package; a PostgreSQL implementation lives in
// adapters/postgres. Committed events fan out to an EventPublisher (the
// messaging fabric boundary) and to the ProjectorPool; neither can roll an
// append back.
package es
