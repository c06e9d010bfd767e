// Package model defines the records that flow through the intent runtime.
//
// The package owns no I/O. It describes:
//   - Intent: an immutable, typed request submitted by a caller
//   - Execution: the runtime's mutable record of processing one intent
//   - WALEntry: an append-only log record, partitioned by (tenant, UTC day)
//   - Saga and StepRecord: multi-step execution state used for compensation
//   - OutboxEntry: a staged domain event awaiting publish
//   - Session: tenant-scoped caller context
//
// # Canonical Payloads
//
// Every payload persisted to the WAL or the outbox is encoded with Canonical,
// which NFC-normalises strings and emits RFC 8785 JSON. The same logical
// payload therefore always produces the same bytes, which keeps the log
// human-auditable and makes content digests stable across replays.
//
// # Time and Identity
//
// Components never call time.Now or uuid directly. They receive a Clock and an
// IDGenerator so tests and replay tooling can pin both.
package model
