package model

import "time"

// PublishStatus is the delivery status of an outbox entry.
type PublishStatus string

const (
	PublishStaged    PublishStatus = "staged"
	PublishPublished PublishStatus = "published"
	PublishFailed    PublishStatus = "failed" // Dead letter: retries exhausted
)

// DomainEvent is an event produced by a realm. It is staged in the outbox at
// commit and published only once the owning execution has committed.
type DomainEvent struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// OutboxEntry is a staged event awaiting publish.
type OutboxEntry struct {
	ID            string        `json:"entry_id"`
	ExecutionID   string        `json:"execution_id"`
	TenantID      string        `json:"tenant_id"`
	EventType     string        `json:"event_type"`
	Payload       string        `json:"event_payload"` // Canonical JSON text
	Status        PublishStatus `json:"publish_status"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	PublishedAt   *time.Time    `json:"published_at,omitempty"`
}

// ArtifactRecord is what the state surface stores for a materialized artifact.
// Data is set only when the artifact lives in the state surface itself; refs to
// external backends carry the location alone.
type ArtifactRecord struct {
	ExecutionID string
	TenantID    string
	Ref         ArtifactRef
	Data        []byte
}
