package observer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
)

// SessionReader reads sessions scoped to a tenant. Implemented by *store.Store.
type SessionReader interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (model.Session, error)
}

// SessionAuthorizer denies intents whose session does not exist for the
// intent's tenant. A session of another tenant is indistinguishable from a
// missing one.
type SessionAuthorizer struct {
	sessions SessionReader
}

// NewSessionAuthorizer creates a SessionAuthorizer.
func NewSessionAuthorizer(sessions SessionReader) *SessionAuthorizer {
	return &SessionAuthorizer{sessions: sessions}
}

// Authorize implements Authorizer.
func (a *SessionAuthorizer) Authorize(ctx context.Context, req Request) (Verdict, error) {
	_, err := a.sessions.GetSession(ctx, req.Intent.TenantID, req.Intent.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Deny(fmt.Sprintf("unknown session %q", req.Intent.SessionID)), nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("session lookup: %w", err)
	}
	return Allow(), nil
}
