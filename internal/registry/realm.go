package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// Realm is a domain handler for one or more intent types.
// Realms are external collaborators; the runtime only calls this contract.
type Realm interface {
	// Name identifies the realm. Unique per registry.
	Name() string

	// DeclareIntents lists the intent types the realm handles.
	DeclareIntents() []string

	// HandleIntent executes the intent. On failure it returns a *RealmError
	// and no partial outcome.
	HandleIntent(ctx context.Context, intent model.Intent, ec ExecContext) (Outcome, error)
}

// SchemaProvider is implemented by realms that publish a JSON Schema for the
// parameters of their intent types.
type SchemaProvider interface {
	ParameterSchemas() map[string]string
}

// Versioned is implemented by realms that report a semantic version.
type Versioned interface {
	Version() string
}

// Compensator is implemented by realms that can undo a handled intent.
// Realms without it have nothing to undo.
type Compensator interface {
	Compensate(ctx context.Context, intent model.Intent, ec ExecContext) error
}

// ExecContext is the read-only view of the execution a realm runs in.
type ExecContext struct {
	ExecutionID string
	SagaID      string
	TenantID    string
	SessionID   string
	SolutionID  string
	StartedAt   time.Time
}

// Artifact is one result produced by a realm.
type Artifact struct {
	ResultType  string `json:"result_type"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Outcome is what a realm returns on success.
type Outcome struct {
	Artifacts map[string]Artifact
	Events    []model.DomainEvent
}

// RealmError is the typed failure a realm returns.
type RealmError struct {
	Realm   string
	Code    string
	Message string
	Err     error
}

func (e *RealmError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realm %s: %s: %s: %v", e.Realm, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("realm %s: %s: %s", e.Realm, e.Code, e.Message)
}

func (e *RealmError) Unwrap() error {
	return e.Err
}
