package model

import (
	"fmt"
	"time"
)

// EventType identifies a WAL entry kind.
type EventType string

const (
	EventIntentReceived           EventType = "intent_received"
	EventSagaStarted              EventType = "saga_started"
	EventAuthorizationDenied      EventType = "authorization_denied"
	EventSagaStepCompleted        EventType = "saga_step_completed"
	EventSagaCompensated          EventType = "saga_compensated"
	EventSagaCompensationFailed   EventType = "saga_compensation_failed"
	EventExecutionCompleted       EventType = "execution_completed"
	EventExecutionFailed          EventType = "execution_failed"
	EventExecutionCancelRequested EventType = "execution_cancel_requested"
)

// DateLayout formats the day component of a WAL partition.
const DateLayout = "2006-01-02"

// WALEntry is one immutable record of the write-ahead log.
//
// The first five fields are the stable wire shape read by audit and replay
// tooling. Partition and Seq are assigned by the log on append.
type WALEntry struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"` // Canonical JSON text

	Partition      string `json:"-"`
	Seq            int64  `json:"-"`
	ExecutionID    string `json:"-"`
	IdempotencyKey string `json:"-"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// PartitionName names the WAL stream for a tenant and day: "<tenant>/<YYYY-MM-DD>".
// Operational tooling enumerates and archives streams by this convention.
func PartitionName(tenantID string, day time.Time) string {
	return fmt.Sprintf("%s/%s", tenantID, Day(day).Format(DateLayout))
}
