package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/roach88/intentd/internal/lifecycle"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
)

const (
	// CodeRateLimited is returned when a tenant exceeds its admission rate.
	CodeRateLimited = "rate_limited"

	// CodeRealmMismatch is returned when a submission names the wrong realm.
	CodeRealmMismatch = "realm_mismatch"
)

// SubmitRequest is the body of POST /intent/submit.
type SubmitRequest struct {
	IntentID   string        `json:"intent_id"`
	IntentType string        `json:"intent_type"`
	TenantID   string        `json:"tenant_id"`
	SessionID  string        `json:"session_id"`
	SolutionID string        `json:"solution_id"`
	Payload    model.Payload `json:"payload"`
	Metadata   model.Payload `json:"metadata"`

	// Realm optionally names the realm the caller expects to handle the
	// intent. A mismatch is rejected before anything is recorded.
	Realm string `json:"realm,omitempty"`

	// Wait runs the execution to completion before responding.
	Wait bool `json:"wait"`
}

// SubmitResponse is the reply of POST /intent/submit.
type SubmitResponse struct {
	Success     bool              `json:"success"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Result      *lifecycle.Result `json:"result,omitempty"`
	Error       *ErrorBody        `json:"error,omitempty"`
}

// StatusResponse is the reply of GET /execution/{id}/status: the execution
// record plus the state of its saga. State is absent for executions rejected
// before a saga was created.
type StatusResponse struct {
	model.Execution
	State model.SagaState `json:"state,omitempty"`
}

// SessionRequest is the body of POST /session/create.
type SessionRequest struct {
	SessionID string        `json:"session_id"`
	TenantID  string        `json:"tenant_id"`
	UserID    string        `json:"user_id"`
	Context   model.Payload `json:"context"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type errorResponse struct {
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error"`
}

type apiError struct {
	status int
	body   ErrorBody
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, e.body.Code, e.body.Message)
}

func badRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, body: ErrorBody{Code: "bad_request", Message: msg}}
}

func notFound(msg string) *apiError {
	return &apiError{status: http.StatusNotFound, body: ErrorBody{Code: "not_found", Message: msg}}
}

func (s *Server) submit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	if req.TenantID == "" {
		return badRequest("tenant_id is required")
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(req.TenantID) {
		return &apiError{status: http.StatusTooManyRequests, body: ErrorBody{Code: CodeRateLimited, Message: "tenant admission rate exceeded"}}
	}
	if err := s.checkRealm(req); err != nil {
		return err
	}
	if req.IntentID == "" {
		req.IntentID = s.deps.IDs.NewID()
	}

	intent := model.Intent{
		ID:         req.IntentID,
		Type:       req.IntentType,
		TenantID:   req.TenantID,
		SessionID:  req.SessionID,
		SolutionID: req.SolutionID,
		Parameters: req.Payload,
		Metadata:   req.Metadata,
	}
	ctx := c.Request().Context()

	if req.Wait {
		res, err := s.deps.Lifecycle.Execute(ctx, intent)
		if err != nil && res.ExecutionID == "" {
			return lifecycleError(err)
		}
		resp := SubmitResponse{Success: err == nil, ExecutionID: res.ExecutionID, Result: &res}
		if err != nil {
			apiErr := lifecycleError(err)
			resp.Error = &apiErr.body
			return c.JSON(apiErr.status, resp)
		}
		return c.JSON(http.StatusOK, resp)
	}

	id, err := s.deps.Lifecycle.Submit(ctx, intent)
	if err != nil {
		apiErr := lifecycleError(err)
		apiErr.body.ExecutionID = id
		return apiErr
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{Success: true, ExecutionID: id})
}

// checkRealm rejects a submission whose realm field names another realm
// than the one registered for its intent type. Unknown intent types are
// left to the lifecycle, which records them.
func (s *Server) checkRealm(req SubmitRequest) *apiError {
	if req.Realm == "" || s.deps.Realms == nil {
		return nil
	}
	realm, err := s.deps.Realms.Resolve(req.IntentType)
	if err != nil {
		return nil
	}
	if realm.Name() != req.Realm {
		return &apiError{status: http.StatusUnprocessableEntity, body: ErrorBody{
			Code:    CodeRealmMismatch,
			Message: fmt.Sprintf("intent type %q is handled by realm %q, not %q", req.IntentType, realm.Name(), req.Realm),
		}}
	}
	return nil
}

func (s *Server) createSession(c echo.Context) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	if req.TenantID == "" {
		return badRequest("tenant_id is required")
	}
	if req.SessionID == "" {
		req.SessionID = s.deps.IDs.NewID()
	}
	sess := model.Session{
		ID:        model.NormalizeID(req.SessionID),
		TenantID:  model.NormalizeID(req.TenantID),
		UserID:    req.UserID,
		Context:   req.Context.Clone(),
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Sessions.CreateSession(c.Request().Context(), sess); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &apiError{status: http.StatusConflict, body: ErrorBody{Code: "duplicate_session", Message: "session already exists"}}
		}
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"success": true, "session_id": sess.ID})
}

func (s *Server) status(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return badRequest("tenant_id is required")
	}
	exec, err := s.deps.Lifecycle.Status(c.Request().Context(), tenantID, c.Param("id"))
	if errors.Is(err, lifecycle.ErrNotFound) {
		return notFound("execution not found")
	}
	if err != nil {
		return err
	}
	resp := StatusResponse{Execution: exec}
	if exec.SagaID != "" && s.deps.Sagas != nil {
		sg, err := s.deps.Sagas.GetSaga(c.Request().Context(), exec.SagaID)
		if err != nil {
			return err
		}
		resp.State = sg.State
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) cancel(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return badRequest("tenant_id is required")
	}
	err := s.deps.Lifecycle.Cancel(c.Request().Context(), tenantID, c.Param("id"))
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return notFound("execution not found")
	case errors.Is(err, lifecycle.ErrTerminal):
		return &apiError{status: http.StatusConflict, body: ErrorBody{Code: "already_finished", Message: err.Error()}}
	case err != nil:
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"success": true, "execution_id": c.Param("id")})
}

func (s *Server) artifact(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return badRequest("tenant_id is required")
	}
	ctx := c.Request().Context()
	rec, err := s.deps.Artifacts.GetArtifact(ctx, tenantID, c.Param("id"), c.Param("name"), s.deps.Clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return notFound("artifact not found")
	}
	if err != nil {
		return err
	}
	data, err := s.deps.Reader.Read(ctx, rec)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("artifact expired")
	}
	if err != nil {
		return err
	}
	c.Response().Header().Set("X-Artifact-Digest", rec.Ref.Digest)
	c.Response().Header().Set("X-Artifact-Action", string(rec.Ref.Action))
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// lifecycleError maps a lifecycle failure to an HTTP error.
func lifecycleError(err error) *apiError {
	var le *lifecycle.Error
	if !errors.As(err, &le) {
		return &apiError{status: http.StatusInternalServerError, body: ErrorBody{Code: "internal", Message: err.Error()}}
	}
	status := http.StatusServiceUnavailable
	switch {
	case le.Code == lifecycle.CodeUnknownIntent:
		status = http.StatusNotFound
	case le.Kind == lifecycle.KindDomain:
		status = http.StatusUnprocessableEntity
	case le.Kind == lifecycle.KindPolicy:
		status = http.StatusForbidden
	}
	return &apiError{status: status, body: ErrorBody{Code: string(le.Code), Message: le.Message, ExecutionID: le.ExecutionID}}
}

// errorHandler renders every error as {success:false, error}.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var (
			apiErr  *apiError
			httpErr *echo.HTTPError
		)
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &apiError{status: httpErr.Code, body: ErrorBody{Code: "http_error", Message: fmt.Sprint(httpErr.Message)}}
		default:
			logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
			apiErr = &apiError{status: http.StatusInternalServerError, body: ErrorBody{Code: "internal", Message: "internal error"}}
		}
		if werr := c.JSON(apiErr.status, errorResponse{Success: false, Error: &apiErr.body}); werr != nil {
			logger.Error("write error response", "error", werr)
		}
	}
}
