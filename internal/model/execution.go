package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of an Execution.
type Status string

const (
	StatusPending       Status = "pending"
	StatusAuthorizing   Status = "authorizing"
	StatusRunning       Status = "running"
	StatusMaterializing Status = "materializing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCompensating  Status = "compensating"
	StatusCompensated   Status = "compensated"
)

// transitions is the monotonic status graph. Failure is reachable from every
// non-terminal status; compensation only once the realm may have run.
var transitions = map[Status][]Status{
	StatusPending:       {StatusAuthorizing, StatusFailed},
	StatusAuthorizing:   {StatusRunning, StatusFailed},
	StatusRunning:       {StatusMaterializing, StatusCompensating, StatusFailed},
	StatusMaterializing: {StatusCompleted, StatusCompensating, StatusFailed},
	StatusCompensating:  {StatusCompensated, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorizing, StatusRunning, StatusMaterializing,
		StatusCompleted, StatusFailed, StatusCompensating, StatusCompensated:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionError is the terminal error recorded on a failed Execution.
type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// ManualIntervention is set when compensation could not undo every step.
	// Such executions are never retried automatically.
	ManualIntervention bool `json:"manual_intervention_required,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.ManualIntervention {
		return fmt.Sprintf("%s: %s (manual intervention required)", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MaterializeAction is the storage action chosen for an artifact.
type MaterializeAction string

const (
	ActionPersist MaterializeAction = "persist"
	ActionCache   MaterializeAction = "cache"
	ActionDiscard MaterializeAction = "discard"
)

// ArtifactRef locates a materialized artifact. Discarded artifacts have no ref.
type ArtifactRef struct {
	Name       string            `json:"name"`
	ResultType string            `json:"result_type"`
	Action     MaterializeAction `json:"action"`
	Backend    string            `json:"backend"`
	Location   string            `json:"location"`
	Digest     string            `json:"digest"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// Execution is the runtime's mutable record of processing one intent.
// It is owned exclusively by the lifecycle manager and stored in the state
// surface; the WAL holds the authoritative history of how it got here.
type Execution struct {
	ID              string                 `json:"execution_id"`
	IntentID        string                 `json:"intent_id"`
	IntentType      string                 `json:"intent_type"`
	TenantID        string                 `json:"tenant_id"`
	SessionID       string                 `json:"session_id"`
	SolutionID      string                 `json:"solution_id,omitempty"`
	SagaID          string                 `json:"saga_id"`
	Status          Status                 `json:"status"`
	Artifacts       map[string]ArtifactRef `json:"artifacts"`
	Error           *ExecutionError        `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancel_requested"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Transition moves the execution to the next status, enforcing the graph.
// The caller persists the result with the previous Version.
func (e *Execution) Transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("execution %s: illegal transition %s -> %s", e.ID, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// Fail moves the execution to failed with the given error.
func (e *Execution) Fail(execErr *ExecutionError, now time.Time) error {
	if err := e.Transition(StatusFailed, now); err != nil {
		return err
	}
	e.Error = execErr
	return nil
}
