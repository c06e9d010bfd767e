package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation errors returned by Intent.Validate.
var (
	ErrMissingIntentID   = errors.New("intent_id is required")
	ErrMissingIntentType = errors.New("intent_type is required")
	ErrMissingTenant     = errors.New("tenant_id is required")
	ErrMissingSession    = errors.New("session_id is required")
)

// Intent is a typed request for the platform to do something.
// It is created by a caller, submitted once, and never mutated afterwards.
type Intent struct {
	ID         string  `json:"intent_id"`
	Type       string  `json:"intent_type"`
	TenantID   string  `json:"tenant_id"`
	SessionID  string  `json:"session_id"`
	SolutionID string  `json:"solution_id,omitempty"`
	Parameters Payload `json:"parameters"`
	Metadata   Payload `json:"metadata,omitempty"`
}

// Validate checks the intent shape. It does not resolve the intent type.
func (i Intent) Validate() error {
	var errs []error
	if strings.TrimSpace(i.ID) == "" {
		errs = append(errs, ErrMissingIntentID)
	}
	if strings.TrimSpace(i.Type) == "" {
		errs = append(errs, ErrMissingIntentType)
	}
	if strings.TrimSpace(i.TenantID) == "" {
		errs = append(errs, ErrMissingTenant)
	}
	if strings.TrimSpace(i.SessionID) == "" {
		errs = append(errs, ErrMissingSession)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid intent: %w", errors.Join(errs...))
	}
	return nil
}

// Normalized returns a copy with NFC-normalised identifiers and deep-copied
// payloads, so later mutation by the caller cannot leak into the runtime.
func (i Intent) Normalized() Intent {
	return Intent{
		ID:         NormalizeID(strings.TrimSpace(i.ID)),
		Type:       NormalizeID(strings.TrimSpace(i.Type)),
		TenantID:   NormalizeID(strings.TrimSpace(i.TenantID)),
		SessionID:  NormalizeID(strings.TrimSpace(i.SessionID)),
		SolutionID: NormalizeID(strings.TrimSpace(i.SolutionID)),
		Parameters: i.Parameters.Clone(),
		Metadata:   i.Metadata.Clone(),
	}
}

// Session is tenant-scoped caller context created before intents are submitted.
type Session struct {
	ID        string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Context   Payload   `json:"context"`
	CreatedAt time.Time `json:"created_at"`
}
