package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for intents, executions, sagas,
// WAL entries and outbox entries.
// Implemented by UUIDv7Generator (production) and testutil.SequenceIDs (tests).
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so IDs
// sort roughly by creation time, which keeps WAL and outbox listings readable.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7.
// Panics if the system random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Clock supplies wall-clock time. WAL partitioning and outbox retry schedules
// depend on it, so tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Domain prefixes for derived digests. The version suffix allows migration.
const (
	DomainArtifact    = "intentd/artifact/v1"
	DomainIdempotency = "intentd/idempotency/v1"
)

// Digest computes SHA-256 with domain separation: SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func Digest(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKey derives the WAL idempotency key for a lifecycle event of one
// execution. Appending twice with the same key yields a single entry.
func IdempotencyKey(executionID string, eventType EventType) string {
	return Digest(DomainIdempotency, []byte(executionID+"\x00"+string(eventType)))
}
