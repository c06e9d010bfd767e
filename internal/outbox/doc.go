// Package outbox publishes domain events staged by committed executions.
//
// Events are staged in the same transaction that commits an execution
// (store.Commit), so an event exists if and only if its execution
// committed. The Relay then delivers staged events at least once:
//
//	staged ──publish ok──────────────▶ published
//	   │
//	   └─publish error─▶ staged (attempts+1, next_attempt_at pushed back)
//	                       │
//	                       └─attempts == MaxAttempts─▶ failed (dead letter)
//
// Only entries whose execution has status completed are eligible. Consumers
// deduplicate by entry ID.
package outbox
