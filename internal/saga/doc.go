// Package saga coordinates the multi-step execution of one intent and
// undoes completed steps when a later step fails.
//
// # Durability
//
// Every transition is persisted before the coordinator returns:
//
//	CreateSaga   → saga row (created)       → WAL saga_started
//	BeginStep    → step row (pending)         (before the step runs)
//	CompleteStep → step row (completed)     → WAL saga_step_completed
//	Compensate   → saga row (compensating)
//	             → step rows, newest first
//	             → saga row (compensated|failed) → WAL saga_compensated
//	                                               or saga_compensation_failed
//
// WAL appends are keyed, so a coordinator call repeated after a crash never
// writes the same event twice.
//
// # Compensation
//
// Compensation walks the steps in reverse. A step that failed never took
// effect, so its compensator is not called and its compensation is recorded
// as skipped, a no-op that still counts as compensated: a saga whose step C
// failed after A and B reports C, B, A as undone. A step left pending by
// a crash may have run partially and is compensated like a completed one.
// Compensation continues past a failing compensator so that as much as
// possible is undone; the saga then ends failed with the unrecoverable step
// names and requires manual intervention. It is never retried automatically.
//
// # Replay
//
// Replay folds a sequence of step outcomes into the saga state without
// consulting the clock or the store. Outcomes derives that sequence from a
// recorded saga, so Replay(Outcomes(s)) reproduces s.State.
package saga
