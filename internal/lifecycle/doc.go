// Package lifecycle drives intents through the execution stages.
//
// The Manager is the only writer of executions. For one intent it runs:
//
//	validate ─▶ record ─▶ authorize ─▶ realm ─▶ materialize ─▶ commit ─▶ finalize
//	   │           │          │          │           │            │
//	   └─failed    │          └─failed   └───────────┴────────────┴─▶ compensating ─▶ compensated
//	               │                                                                └─▶ failed (manual)
//	               └─ WAL intent_received, execution pending, saga created
//
// Nothing of a stage is visible before the previous stage is durable. The
// commit writes execution, artifacts and outbox entries in one transaction;
// the outbox relay publishes afterwards.
//
// Recover resolves executions a crash left mid-flight and must run before
// the runtime accepts new intents.
package lifecycle
