package model

import "time"

// SagaState is the state of a saga's state machine:
//
//	created → running → completed
//	                  → compensating → compensated
//	                                 → failed (manual intervention)
//
// A saga may also fail directly from created or running when execution is
// halted before any step needs undoing (for example a policy denial).
type SagaState string

const (
	SagaCreated      SagaState = "created"
	SagaRunning      SagaState = "running"
	SagaCompensating SagaState = "compensating"
	SagaCompleted    SagaState = "completed"
	SagaFailed       SagaState = "failed"
	SagaCompensated  SagaState = "compensated"
)

// Terminal reports whether the saga can no longer change state.
func (s SagaState) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed || s == SagaCompensated
}

// StepStatus is the outcome of one saga step.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
	StepSkipped            StepStatus = "skipped" // Compensation was a no-op; the step never ran
)

// StepRecord is one recorded step of a saga, in execution order.
// Data carries whatever the step's compensator needs to undo it.
type StepRecord struct {
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Data      Payload    `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Saga tracks one intent's multi-step execution.
type Saga struct {
	ID        string       `json:"saga_id"`
	TenantID  string       `json:"tenant_id"`
	SessionID string       `json:"session_id"`
	Name      string       `json:"saga_name"`
	State     SagaState    `json:"state"`
	Context   Payload      `json:"context"`
	Steps     []StepRecord `json:"steps"`

	// Unrecoverable lists steps whose compensation failed.
	Unrecoverable      []string  `json:"unrecoverable,omitempty"`
	ManualIntervention bool      `json:"manual_intervention_required,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CompletedSteps returns the names of steps that completed, in order.
func (s *Saga) CompletedSteps() []string {
	var names []string
	for _, st := range s.Steps {
		if st.Status == StepCompleted {
			names = append(names, st.Name)
		}
	}
	return names
}
