// Package store provides SQLite-backed durable storage for the intent runtime.
//
// One database holds every durable record:
//   - wal_entries: the append-only write-ahead log, partitioned by (tenant, day)
//   - executions and sessions: the state surface
//   - sagas and saga_steps: saga coordinator state
//   - outbox: staged domain events
//   - artifacts: materialized artifacts (data or external references)
//
// # Ordering
//
// WAL reads order by (seq ASC, event_id ASC COLLATE BINARY). seq is assigned
// inside the insert transaction as MAX(seq)+1 for the partition, so order
// within a partition is total and independent of timestamps. There is no
// ordering across partitions.
//
// # Idempotency
//
// A WAL append carrying an idempotency key first looks the key up and returns
// the existing entry, so a retried append yields the original event ID.
// Outbox staging uses ON CONFLICT DO NOTHING for the same reason.
//
// # Units of Work
//
// Commit writes the execution row, its state-surface artifacts and its outbox
// entries in one transaction. Either the execution is committed together with
// its staged events or none of it is.
//
// # Database Configuration
//
//   - WAL journal mode: concurrent reads during writes
//   - synchronous=FULL: a committed append survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
