// Package materialize stores the artifacts a realm produced, as decided by
// the materialization policy.
//
// Persist decisions go to the persist backend (S3) when one is configured,
// cache decisions to the cache backend (Redis) with the decision's TTL.
// Without a configured backend the artifact bytes travel inline to the state
// surface and are written by the same transaction that commits the
// execution. Discarded artifacts are dropped without a reference.
//
// External backends are written before the commit. If the execution does
// not commit, the saga compensates the "materialize" step by evicting what
// was written.
package materialize
