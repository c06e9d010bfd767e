package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/wal"
)

// ContextExecutionID is the saga context key holding the owning execution.
// WAL events written by the coordinator are tagged with it.
const ContextExecutionID = "execution_id"

var (
	ErrInvalidState = errors.New("invalid saga state")
	ErrUnknownStep  = errors.New("unknown saga step")
)

// CompensationError reports steps whose compensation failed.
type CompensationError struct {
	SagaID string
	Steps  []string
	Cause  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation failed for %v: %v", e.SagaID, e.Steps, e.Cause)
}

func (e *CompensationError) Unwrap() error {
	return e.Cause
}

// IsCompensationError reports whether err is a *CompensationError.
func IsCompensationError(err error) bool {
	var ce *CompensationError
	return errors.As(err, &ce)
}

// Store persists sagas. Implemented by *store.Store.
type Store interface {
	SaveSaga(ctx context.Context, saga *model.Saga) error
	GetSaga(ctx context.Context, sagaID string) (*model.Saga, error)
	ListSagasByState(ctx context.Context, states ...model.SagaState) ([]*model.Saga, error)
}

// Journal records saga transitions. Implemented by *wal.Log.
type Journal interface {
	AppendIdempotent(ctx context.Context, rec wal.Record) (model.WALEntry, error)
}

// CompensateFunc undoes one completed step. step.Data carries what the step
// recorded when it completed.
type CompensateFunc func(ctx context.Context, saga *model.Saga, step model.StepRecord) error

// Coordinator drives saga state machines.
//
// A saga value is owned by one goroutine at a time (the execution running
// it). Compensator registration is safe for concurrent use but normally
// happens once at boot.
type Coordinator struct {
	store   Store
	journal Journal
	ids     model.IDGenerator
	clock   model.Clock
	logger  *slog.Logger

	mu           sync.RWMutex
	compensators map[string]CompensateFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithJournal records transitions in the WAL. Without a journal only the
// store is written.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, ids model.IDGenerator, clock model.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		ids:          ids,
		clock:        clock,
		logger:       slog.Default(),
		compensators: make(map[string]CompensateFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterCompensator sets the compensator for steps named name.
func (c *Coordinator) RegisterCompensator(name string, fn CompensateFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register compensator: name and function are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.compensators[name]; ok {
		return fmt.Errorf("register compensator: %q already registered", name)
	}
	c.compensators[name] = fn
	return nil
}

func (c *Coordinator) compensator(name string) (CompensateFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.compensators[name]
	return fn, ok
}

// CreateSaga persists a new saga in state created.
func (c *Coordinator) CreateSaga(ctx context.Context, tenantID, sessionID, name string, sagaCtx model.Payload) (*model.Saga, error) {
	if tenantID == "" || name == "" {
		return nil, fmt.Errorf("create saga: tenant and name are required")
	}
	now := c.clock.Now()
	s := &model.Saga{
		ID:        c.ids.NewID(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Name:      name,
		State:     model.SagaCreated,
		Context:   sagaCtx.Clone(),
		Steps:     []model.StepRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Context == nil {
		s.Context = model.Payload{}
	}
	if err := c.store.SaveSaga(ctx, s); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}
	if err := c.record(ctx, s, model.EventSagaStarted, "", model.Payload{
		"saga_id":   s.ID,
		"saga_name": s.Name,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start moves a created saga to running.
func (c *Coordinator) Start(ctx context.Context, s *model.Saga) error {
	if s.State == model.SagaRunning {
		return nil
	}
	return c.transition(ctx, s, model.SagaCreated, model.SagaRunning)
}

// BeginStep records a pending step before it runs and returns its index.
// A pending step with the same name is reused, so a step resumed after a
// crash keeps its index.
func (c *Coordinator) BeginStep(ctx context.Context, s *model.Saga, name string, data model.Payload) (int, error) {
	if s.State != model.SagaRunning {
		return 0, fmt.Errorf("%w: begin step %q in %s saga %s", ErrInvalidState, name, s.State, s.ID)
	}
	for i := range s.Steps {
		if s.Steps[i].Name == name && s.Steps[i].Status == model.StepPending {
			return i, nil
		}
	}
	s.Steps = append(s.Steps, model.StepRecord{
		Index:     len(s.Steps),
		Name:      name,
		Status:    model.StepPending,
		Data:      data.Clone(),
		UpdatedAt: c.clock.Now(),
	})
	if err := c.save(ctx, s); err != nil {
		s.Steps = s.Steps[:len(s.Steps)-1]
		return 0, err
	}
	return len(s.Steps) - 1, nil
}

// CompleteStep marks step idx completed. data, if non-nil, replaces the
// step's compensation data.
func (c *Coordinator) CompleteStep(ctx context.Context, s *model.Saga, idx int, data model.Payload) error {
	step, err := c.pendingStep(s, idx)
	if err != nil {
		return err
	}
	step.Status = model.StepCompleted
	if data != nil {
		step.Data = data.Clone()
	}
	step.UpdatedAt = c.clock.Now()
	if err := c.save(ctx, s); err != nil {
		return err
	}
	return c.record(ctx, s, model.EventSagaStepCompleted, strconv.Itoa(idx), model.Payload{
		"saga_id": s.ID,
		"step":    step.Name,
		"index":   idx,
	})
}

// FailStep marks step idx failed.
func (c *Coordinator) FailStep(ctx context.Context, s *model.Saga, idx int, cause error) error {
	step, err := c.pendingStep(s, idx)
	if err != nil {
		return err
	}
	step.Status = model.StepFailed
	if cause != nil {
		step.Error = cause.Error()
	}
	step.UpdatedAt = c.clock.Now()
	return c.save(ctx, s)
}

func (c *Coordinator) pendingStep(s *model.Saga, idx int) (*model.StepRecord, error) {
	if idx < 0 || idx >= len(s.Steps) {
		return nil, fmt.Errorf("%w: saga %s has no step %d", ErrUnknownStep, s.ID, idx)
	}
	step := &s.Steps[idx]
	if step.Status != model.StepPending {
		return nil, fmt.Errorf("%w: step %q is %s", ErrInvalidState, step.Name, step.Status)
	}
	return step, nil
}

// Complete moves a running saga to completed.
func (c *Coordinator) Complete(ctx context.Context, s *model.Saga) error {
	for _, st := range s.Steps {
		if st.Status != model.StepCompleted {
			return fmt.Errorf("%w: step %q is %s", ErrInvalidState, st.Name, st.Status)
		}
	}
	return c.transition(ctx, s, model.SagaRunning, model.SagaCompleted)
}

// Fail ends a created or running saga without compensation. It is used when
// execution halts before any step took effect.
func (c *Coordinator) Fail(ctx context.Context, s *model.Saga, cause error) error {
	if s.State != model.SagaCreated && s.State != model.SagaRunning {
		return fmt.Errorf("%w: fail %s saga %s", ErrInvalidState, s.State, s.ID)
	}
	for _, st := range s.Steps {
		if st.Status == model.StepCompleted {
			return fmt.Errorf("%w: saga %s has completed steps and must be compensated", ErrInvalidState, s.ID)
		}
	}
	prev := s.State
	s.State = model.SagaFailed
	if cause != nil {
		s.Error = cause.Error()
	}
	s.UpdatedAt = c.clock.Now()
	if err := c.save(ctx, s); err != nil {
		s.State = prev
		return err
	}
	return nil
}

// Compensate undoes the saga's steps in reverse order. It accepts a running
// saga, or a compensating one whose compensation was interrupted.
//
// Returns a *CompensationError when any compensator fails; the saga is then
// failed with ManualIntervention set.
func (c *Coordinator) Compensate(ctx context.Context, s *model.Saga, cause error) error {
	switch s.State {
	case model.SagaRunning:
		s.State = model.SagaCompensating
		if cause != nil {
			s.Error = cause.Error()
		}
		s.UpdatedAt = c.clock.Now()
		if err := c.save(ctx, s); err != nil {
			return err
		}
	case model.SagaCompensating:
	default:
		return fmt.Errorf("%w: compensate %s saga %s", ErrInvalidState, s.State, s.ID)
	}

	// Compensation runs to the end even if the caller gives up.
	ctx = context.WithoutCancel(ctx)

	var firstErr error
	for i := len(s.Steps) - 1; i >= 0; i-- {
		step := &s.Steps[i]
		switch step.Status {
		case model.StepFailed:
			// The step never took effect: its compensation is a no-op.
			step.Status = model.StepSkipped
		case model.StepCompleted, model.StepPending:
			if err := c.undo(ctx, s, *step); err != nil {
				step.Status = model.StepCompensationFailed
				step.Error = err.Error()
				s.Unrecoverable = append(s.Unrecoverable, step.Name)
				if firstErr == nil {
					firstErr = err
				}
				c.logger.Error("saga step compensation failed",
					"saga_id", s.ID,
					"tenant_id", s.TenantID,
					"step", step.Name,
					"error", err,
				)
			} else {
				step.Status = model.StepCompensated
			}
		default:
			continue
		}
		step.UpdatedAt = c.clock.Now()
		if err := c.save(ctx, s); err != nil {
			return err
		}
	}

	// Steps that failed compensation before an interruption are still
	// unrecoverable on resume.
	if len(s.Unrecoverable) > 0 {
		s.State = model.SagaFailed
		s.ManualIntervention = true
		s.UpdatedAt = c.clock.Now()
		if err := c.save(ctx, s); err != nil {
			return err
		}
		if err := c.record(ctx, s, model.EventSagaCompensationFailed, "", model.Payload{
			"saga_id":                      s.ID,
			"unrecoverable":                stringsToAny(s.Unrecoverable),
			"manual_intervention_required": true,
		}); err != nil {
			return err
		}
		if firstErr == nil {
			firstErr = errors.New("compensation failed before resume")
		}
		return &CompensationError{SagaID: s.ID, Steps: append([]string(nil), s.Unrecoverable...), Cause: firstErr}
	}

	s.State = model.SagaCompensated
	s.UpdatedAt = c.clock.Now()
	if err := c.save(ctx, s); err != nil {
		return err
	}
	return c.record(ctx, s, model.EventSagaCompensated, "", model.Payload{
		"saga_id": s.ID,
		"steps":   stringsToAny(compensatedSteps(s)),
	})
}

func (c *Coordinator) undo(ctx context.Context, s *model.Saga, step model.StepRecord) (err error) {
	fn, ok := c.compensator(step.Name)
	if !ok {
		c.logger.Debug("no compensator for step", "saga_id", s.ID, "step", step.Name)
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensator %q panicked: %v", step.Name, r)
		}
	}()
	return fn(ctx, s, step)
}

// Pending returns sagas that have not reached a terminal state.
func (c *Coordinator) Pending(ctx context.Context) ([]*model.Saga, error) {
	sagas, err := c.store.ListSagasByState(ctx, model.SagaCreated, model.SagaRunning, model.SagaCompensating)
	if err != nil {
		return nil, fmt.Errorf("list pending sagas: %w", err)
	}
	return sagas, nil
}

// Get loads a saga.
func (c *Coordinator) Get(ctx context.Context, sagaID string) (*model.Saga, error) {
	return c.store.GetSaga(ctx, sagaID)
}

func (c *Coordinator) transition(ctx context.Context, s *model.Saga, from, to model.SagaState) error {
	if s.State != from {
		return fmt.Errorf("%w: saga %s is %s, want %s", ErrInvalidState, s.ID, s.State, from)
	}
	s.State = to
	s.UpdatedAt = c.clock.Now()
	if err := c.save(ctx, s); err != nil {
		s.State = from
		return err
	}
	return nil
}

func (c *Coordinator) save(ctx context.Context, s *model.Saga) error {
	if err := c.store.SaveSaga(ctx, s); err != nil {
		return fmt.Errorf("saga %s: %w", s.ID, err)
	}
	return nil
}

// record appends a WAL event for s. discriminator separates events of the
// same type within one saga (step indexes).
func (c *Coordinator) record(ctx context.Context, s *model.Saga, eventType model.EventType, discriminator string, payload model.Payload) error {
	if c.journal == nil {
		return nil
	}
	execID := ExecutionID(s)
	payload["execution_id"] = execID
	_, err := c.journal.AppendIdempotent(ctx, wal.Record{
		EventType:   eventType,
		TenantID:    s.TenantID,
		ExecutionID: execID,
		Payload:     payload,
		Key:         model.Digest(model.DomainIdempotency, []byte(s.ID+"\x00"+string(eventType)+"\x00"+discriminator)),
	})
	if err != nil {
		return fmt.Errorf("saga %s: record %s: %w", s.ID, eventType, err)
	}
	return nil
}

// ExecutionID returns the execution a saga belongs to, falling back to the
// saga ID for sagas created without one.
func ExecutionID(s *model.Saga) string {
	if id, ok := s.Context[ContextExecutionID].(string); ok && id != "" {
		return id
	}
	return s.ID
}

// compensatedSteps lists undone steps newest first. A skipped step counts:
// its compensation was a no-op.
func compensatedSteps(s *model.Saga) []string {
	names := []string{}
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if st := s.Steps[i].Status; st == model.StepCompensated || st == model.StepSkipped {
			names = append(names, s.Steps[i].Name)
		}
	}
	return names
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
