package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/intentd/internal/materialize"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/observer"
	"github.com/roach88/intentd/internal/outbox"
	"github.com/roach88/intentd/internal/policy"
	"github.com/roach88/intentd/internal/registry"
	"github.com/roach88/intentd/internal/saga"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/wal"
)

// StepRealm is the saga step that runs the realm.
const StepRealm = "realm.handle"

// sagaContextIntent is the saga context key holding the submitted intent,
// so an execution can be resumed or compensated from the store alone.
const sagaContextIntent = "intent"

var (
	// ErrNotFound is returned for executions unknown to the tenant.
	ErrNotFound = store.ErrNotFound

	// ErrTerminal is returned when cancelling a finished execution.
	ErrTerminal = errors.New("execution already finished")
)

// StateSurface is the execution state the manager owns.
// Implemented by *store.Store.
type StateSurface interface {
	CreateExecution(ctx context.Context, exec model.Execution) (model.Execution, error)
	GetExecution(ctx context.Context, tenantID, executionID string) (model.Execution, error)
	GetExecutionByIntent(ctx context.Context, tenantID, intentID string) (model.Execution, error)
	UpdateExecution(ctx context.Context, exec model.Execution) (model.Execution, error)
	RequestCancel(ctx context.Context, tenantID, executionID string) error
	ListExecutionsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Execution, error)
	Commit(ctx context.Context, req store.CommitRequest) (model.Execution, error)
}

// Journal is the write-ahead log as the manager uses it.
// Implemented by *wal.Log.
type Journal interface {
	AppendIdempotent(ctx context.Context, rec wal.Record) (model.WALEntry, error)
	Has(ctx context.Context, tenantID, executionID string, eventType model.EventType) (bool, error)
}

// Notifier is woken after a commit staged outbox entries.
// Implemented by *outbox.Relay.
type Notifier interface {
	Notify()
}

// Deps are the collaborators of a Manager. Relay is optional.
type Deps struct {
	State        StateSurface
	WAL          Journal
	Sagas        *saga.Coordinator
	Registry     *registry.Registry
	Observers    *observer.Bus
	Materializer *materialize.Materializer
	Relay        Notifier
	IDs          model.IDGenerator
	Clock        model.Clock
}

// Result is the observable outcome of an execution.
type Result struct {
	ExecutionID string                       `json:"execution_id"`
	Status      model.Status                 `json:"status"`
	Artifacts   map[string]model.ArtifactRef `json:"artifacts"`
	Error       *model.ExecutionError        `json:"error,omitempty"`
}

// Manager drives intents through the execution lifecycle:
//
//  1. validate and resolve the realm
//  2. record: WAL intent_received, execution (pending), saga (created)
//  3. authorize through the observer bus
//  4. run the realm as saga step realm.handle
//  5. materialize artifacts as saga step materialize
//  6. commit execution, artifacts and outbox entries in one transaction
//  7. WAL execution_completed, saga completed, relay notified
//
// Each stage starts only after the previous one is durable. A failure after
// stage 4 began compensates the saga.
//
// Thread-safety: Manager is safe for concurrent use. One execution is only
// ever driven by one goroutine.
type Manager struct {
	state        StateSurface
	wal          Journal
	sagas        *saga.Coordinator
	registry     *registry.Registry
	bus          *observer.Bus
	materializer *materialize.Materializer
	relay        Notifier
	ids          model.IDGenerator
	clock        model.Clock
	logger       *slog.Logger

	workers    int
	dispatcher *Dispatcher
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithWorkers sets the number of dispatcher workers for Submit. Default 4.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// New creates a Manager and registers its saga compensators.
func New(deps Deps, opts ...Option) (*Manager, error) {
	switch {
	case deps.State == nil, deps.WAL == nil, deps.Sagas == nil, deps.Registry == nil,
		deps.Observers == nil, deps.Materializer == nil, deps.IDs == nil, deps.Clock == nil:
		return nil, fmt.Errorf("lifecycle: missing dependency")
	}

	m := &Manager{
		state:        deps.State,
		wal:          deps.WAL,
		sagas:        deps.Sagas,
		registry:     deps.Registry,
		bus:          deps.Observers,
		materializer: deps.Materializer,
		relay:        deps.Relay,
		ids:          deps.IDs,
		clock:        deps.Clock,
		logger:       slog.Default(),
		workers:      4,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lifecycle")
	m.dispatcher = newDispatcher(m.workers, m.logger, m.handleJob)

	if err := m.sagas.RegisterCompensator(StepRealm, m.compensateRealm); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	if err := m.sagas.RegisterCompensator(materialize.StepName, m.materializer.Compensate); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	return m, nil
}

// run is the in-memory state of one execution being driven.
type run struct {
	exec     model.Execution
	intent   model.Intent
	realm    registry.Realm
	saga     *model.Saga
	override *policy.Rule
	outcome  registry.Outcome
	stageAt  time.Time

	// existing is set when the intent was already admitted earlier.
	existing bool
}

// Execute runs an intent through every stage and returns its outcome.
// The error is a *Error whenever the execution did not complete.
func (m *Manager) Execute(ctx context.Context, intent model.Intent) (Result, error) {
	r, err := m.admit(ctx, intent)
	if err != nil {
		if r != nil {
			return resultOf(r.exec), err
		}
		return Result{}, err
	}
	if r.existing {
		return resultOf(r.exec), errorOf(r.exec)
	}
	return m.drive(ctx, r)
}

// Submit records the intent durably (stages 1 and 2) and hands the
// execution to the dispatcher. It returns once the intent is in the WAL and
// the execution exists; Start must have been called for it to progress.
func (m *Manager) Submit(ctx context.Context, intent model.Intent) (string, error) {
	r, err := m.admit(ctx, intent)
	if err != nil {
		if r != nil {
			return r.exec.ID, err
		}
		return "", err
	}
	if r.existing || r.exec.Status != model.StatusPending {
		return r.exec.ID, nil
	}
	if err := m.dispatcher.enqueue(job{tenantID: r.exec.TenantID, executionID: r.exec.ID}); err != nil {
		// The execution stays pending; recovery resumes it on next boot.
		return r.exec.ID, newError(CodeInterrupted, "runtime is shutting down", err)
	}
	return r.exec.ID, nil
}

// Start launches the dispatcher workers that run submitted executions.
func (m *Manager) Start(ctx context.Context) {
	m.dispatcher.Start(ctx)
}

// Shutdown stops accepting submissions and waits for queued executions.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.dispatcher.Stop(ctx)
}

// Dispatcher exposes the worker pool for inspection.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Status returns the current execution record.
func (m *Manager) Status(ctx context.Context, tenantID, executionID string) (model.Execution, error) {
	exec, err := m.state.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return model.Execution{}, fmt.Errorf("status %s: %w", executionID, err)
	}
	return exec, nil
}

// Cancel requests cancellation. The running execution observes the request
// between stages: before the realm runs it fails as cancelled, afterwards it
// is compensated.
func (m *Manager) Cancel(ctx context.Context, tenantID, executionID string) error {
	exec, err := m.state.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w (%s)", executionID, ErrTerminal, exec.Status)
	}
	if err := m.state.RequestCancel(ctx, tenantID, executionID); err != nil {
		return fmt.Errorf("cancel %s: %w", executionID, err)
	}
	if err := m.record(ctx, exec, model.EventExecutionCancelRequested, model.Payload{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	}); err != nil {
		return err
	}
	m.logger.Info("cancellation requested", "tenant_id", tenantID, "execution_id", executionID, "status", exec.Status)
	return nil
}

// admit runs stages 1 and 2. It returns the run to drive, or the existing
// run when the intent was admitted before. A validation failure is recorded
// (and a run returned with it) whenever tenant and intent ID are known.
func (m *Manager) admit(ctx context.Context, raw model.Intent) (*run, error) {
	intent := raw.Normalized()

	if intent.TenantID != "" && intent.ID != "" {
		existing, err := m.state.GetExecutionByIntent(ctx, intent.TenantID, intent.ID)
		if err == nil {
			return &run{exec: existing, intent: intent, existing: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeStateUnavailable, "look up intent", err)
		}
	}

	realm, override, verr := m.validate(intent)
	if verr != nil && (intent.TenantID == "" || intent.ID == "") {
		m.logger.Info("intent rejected", "intent_id", intent.ID, "intent_type", intent.Type, "error", verr)
		return nil, verr
	}

	entry, err := m.wal.AppendIdempotent(ctx, wal.Record{
		EventType:   model.EventIntentReceived,
		TenantID:    intent.TenantID,
		ExecutionID: m.ids.NewID(),
		Payload:     model.Payload{"intent": intentPayload(intent)},
		Key:         intentKey(intent),
	})
	if err != nil {
		return nil, newError(CodeWALUnavailable, "record intent", err)
	}
	// A retried admission reuses the execution ID of the first append.
	execID := entry.ExecutionID

	now := m.clock.Now()
	exec := model.Execution{
		ID:         execID,
		IntentID:   intent.ID,
		IntentType: intent.Type,
		TenantID:   intent.TenantID,
		SessionID:  intent.SessionID,
		SolutionID: intent.SolutionID,
		Status:     model.StatusPending,
		Artifacts:  map[string]model.ArtifactRef{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if verr != nil {
		return m.rejectAdmitted(ctx, exec, intent, verr)
	}

	s, err := m.sagas.CreateSaga(ctx, intent.TenantID, intent.SessionID, intent.Type, model.Payload{
		saga.ContextExecutionID: execID,
		sagaContextIntent:       intentPayload(intent),
	})
	if err != nil {
		return nil, newError(CodeStateUnavailable, "create saga", err)
	}
	exec.SagaID = s.ID

	created, err := m.state.CreateExecution(ctx, exec)
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent admission of the same intent won.
		if ferr := m.sagas.Fail(ctx, s, errors.New("duplicate admission")); ferr != nil {
			m.logger.Warn("fail duplicate saga", "saga_id", s.ID, "error", ferr)
		}
		existing, gerr := m.state.GetExecutionByIntent(ctx, intent.TenantID, intent.ID)
		if gerr != nil {
			return nil, newError(CodeStateUnavailable, "look up intent", gerr)
		}
		return &run{exec: existing, intent: intent, existing: true}, nil
	}
	if err != nil {
		return nil, newError(CodeStateUnavailable, "create execution", err)
	}

	m.logger.Debug("intent admitted",
		"tenant_id", intent.TenantID,
		"intent_id", intent.ID,
		"intent_type", intent.Type,
		"execution_id", execID,
	)
	r := &run{exec: created, intent: intent, realm: realm, saga: s, override: override, stageAt: now}
	m.notify(ctx, r, "received", "")
	return r, nil
}

// rejectAdmitted records a stage 1 failure for an intent whose tenant is
// known: the execution is created failed and the failure logged.
func (m *Manager) rejectAdmitted(ctx context.Context, exec model.Execution, intent model.Intent, verr *Error) (*run, error) {
	exec.Status = model.StatusFailed
	exec.Error = verr.executionError(false)
	if err := m.recordFailure(ctx, exec); err != nil {
		return nil, err
	}
	created, err := m.state.CreateExecution(ctx, exec)
	if errors.Is(err, store.ErrDuplicate) {
		existing, gerr := m.state.GetExecutionByIntent(ctx, intent.TenantID, intent.ID)
		if gerr != nil {
			return nil, newError(CodeStateUnavailable, "look up intent", gerr)
		}
		return &run{exec: existing, intent: intent, existing: true}, errorOf(existing)
	}
	if err != nil {
		return nil, newError(CodeStateUnavailable, "record rejected intent", err)
	}
	r := &run{exec: created, intent: intent, stageAt: exec.CreatedAt}
	verr.ExecutionID = created.ID
	m.logger.Info("intent rejected",
		"tenant_id", intent.TenantID,
		"execution_id", created.ID,
		"intent_type", intent.Type,
		"code", verr.Code,
		"error", verr.Message,
	)
	m.notify(ctx, r, "failed", verr.Code)
	return r, verr
}

// validate is stage 1.
func (m *Manager) validate(intent model.Intent) (registry.Realm, *policy.Rule, *Error) {
	if err := intent.Validate(); err != nil {
		return nil, nil, newError(CodeInvalidIntent, err.Error(), err)
	}
	realm, err := m.registry.Resolve(intent.Type)
	if err != nil {
		return nil, nil, newError(CodeUnknownIntent, fmt.Sprintf("no realm handles %q", intent.Type), err)
	}
	if err := m.registry.ValidateParameters(intent.Type, intent.Parameters); err != nil {
		return nil, nil, newError(CodeInvalidIntent, "parameters do not match schema", err)
	}
	override, err := materialize.OverrideFromMetadata(intent.Metadata)
	if err != nil {
		return nil, nil, newError(CodeInvalidIntent, "invalid materialization override", err)
	}
	return realm, override, nil
}

// drive runs stages 3 to 7 for a pending execution.
func (m *Manager) drive(ctx context.Context, r *run) (Result, error) {
	// Stage 3: authorize.
	if lerr := m.interrupted(ctx, r); lerr != nil {
		return m.abort(ctx, r, lerr)
	}
	if r.exec.Status == model.StatusPending {
		if err := m.advance(ctx, r, model.StatusAuthorizing); err != nil {
			return m.abort(ctx, r, err)
		}
	}
	decision := m.bus.Authorize(ctx, r.exec.ID, r.intent)
	if !decision.Allowed {
		return m.deny(ctx, r, decision)
	}

	// Stage 4: run the realm.
	if lerr := m.interrupted(ctx, r); lerr != nil {
		return m.abort(ctx, r, lerr)
	}
	if err := m.advance(ctx, r, model.StatusRunning); err != nil {
		return m.abort(ctx, r, err)
	}
	if err := m.sagas.Start(ctx, r.saga); err != nil {
		return m.abort(ctx, r, newError(CodeStateUnavailable, "start saga", err))
	}
	idx, err := m.sagas.BeginStep(ctx, r.saga, StepRealm, model.Payload{"realm": r.realm.Name()})
	if err != nil {
		return m.compensate(ctx, r, newError(CodeStateUnavailable, "record realm step", err))
	}
	outcome, err := m.invoke(ctx, r)
	if err != nil {
		if ferr := m.sagas.FailStep(ctx, r.saga, idx, err); ferr != nil {
			m.logger.Error("record failed step", "execution_id", r.exec.ID, "error", ferr)
		}
		return m.compensate(ctx, r, realmError(err))
	}
	if err := m.sagas.CompleteStep(ctx, r.saga, idx, nil); err != nil {
		return m.compensate(ctx, r, newError(CodeStateUnavailable, "record realm step", err))
	}
	r.outcome = outcome

	// Stage 5: materialize.
	if lerr := m.interrupted(ctx, r); lerr != nil {
		return m.compensate(ctx, r, lerr)
	}
	if err := m.advance(ctx, r, model.StatusMaterializing); err != nil {
		return m.compensate(ctx, r, err)
	}
	idx, err = m.sagas.BeginStep(ctx, r.saga, materialize.StepName,
		m.materializer.Intended(r.exec, r.override, outcome.Artifacts))
	if err != nil {
		return m.compensate(ctx, r, newError(CodeStateUnavailable, "record materialize step", err))
	}
	plan, err := m.materializer.Materialize(ctx, r.exec, r.override, outcome.Artifacts)
	if err != nil {
		if ferr := m.sagas.FailStep(ctx, r.saga, idx, err); ferr != nil {
			m.logger.Error("record failed step", "execution_id", r.exec.ID, "error", ferr)
		}
		return m.compensate(ctx, r, newError(CodeMaterializationFailed, "store artifacts", err))
	}
	if err := m.sagas.CompleteStep(ctx, r.saga, idx, plan.StepData()); err != nil {
		return m.compensate(ctx, r, newError(CodeStateUnavailable, "record materialize step", err))
	}
	for name, reason := range plan.Discarded {
		m.logger.Debug("artifact discarded", "execution_id", r.exec.ID, "artifact", name, "reason", reason)
	}

	// Stage 6: commit.
	if lerr := m.interrupted(ctx, r); lerr != nil {
		return m.compensate(ctx, r, lerr)
	}
	if err := m.commit(ctx, r, plan); err != nil {
		return m.compensate(ctx, r, err)
	}

	// Stage 7: finalize. The execution is committed; failures from here on
	// are repaired by Recover.
	if err := m.record(ctx, r.exec, model.EventExecutionCompleted, completedPayload(r.exec, len(outcome.Events))); err != nil {
		m.logger.Error("record completion", "execution_id", r.exec.ID, "error", err)
	} else if err := m.sagas.Complete(ctx, r.saga); err != nil {
		m.logger.Error("complete saga", "execution_id", r.exec.ID, "saga_id", r.saga.ID, "error", err)
	}
	m.notify(ctx, r, "completed", "")
	if m.relay != nil && len(outcome.Events) > 0 {
		m.relay.Notify()
	}
	m.logger.Info("execution completed",
		"tenant_id", r.exec.TenantID,
		"execution_id", r.exec.ID,
		"intent_type", r.exec.IntentType,
		"artifacts", len(r.exec.Artifacts),
		"events", len(outcome.Events),
	)
	return resultOf(r.exec), nil
}

// invoke calls the realm, converting panics into realm errors.
func (m *Manager) invoke(ctx context.Context, r *run) (out registry.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &registry.RealmError{Realm: r.realm.Name(), Code: "panic", Message: fmt.Sprint(rec)}
		}
	}()
	return r.realm.HandleIntent(ctx, r.intent, m.execContext(r))
}

func (m *Manager) execContext(r *run) registry.ExecContext {
	return registry.ExecContext{
		ExecutionID: r.exec.ID,
		SagaID:      r.exec.SagaID,
		TenantID:    r.exec.TenantID,
		SessionID:   r.exec.SessionID,
		SolutionID:  r.exec.SolutionID,
		StartedAt:   r.exec.CreatedAt,
	}
}

func (m *Manager) commit(ctx context.Context, r *run, plan materialize.Plan) *Error {
	entries := make([]model.OutboxEntry, 0, len(r.outcome.Events))
	now := m.clock.Now()
	for _, ev := range r.outcome.Events {
		e, err := outbox.NewEntry(m.ids, now, r.exec, ev)
		if err != nil {
			return newError(CodeRealmFailed, "realm produced an invalid event", err)
		}
		entries = append(entries, e)
	}

	next := r.exec
	next.Artifacts = plan.Refs
	if err := next.Transition(model.StatusCompleted, now); err != nil {
		return newError(CodeStateUnavailable, "commit", err)
	}
	committed, err := m.state.Commit(ctx, store.CommitRequest{
		Execution: next,
		Artifacts: plan.Records,
		Outbox:    entries,
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return newError(CodeVersionConflict, "execution changed during commit", err)
	}
	if err != nil {
		return newError(CodeStateUnavailable, "commit", err)
	}
	r.exec = committed
	return nil
}

// advance persists a status transition and reports the finished stage.
func (m *Manager) advance(ctx context.Context, r *run, to model.Status) *Error {
	next := r.exec
	if err := next.Transition(to, m.clock.Now()); err != nil {
		return newError(CodeStateUnavailable, "transition", err)
	}
	updated, err := m.state.UpdateExecution(ctx, next)
	if errors.Is(err, store.ErrVersionConflict) {
		return newError(CodeVersionConflict, fmt.Sprintf("move to %s", to), err)
	}
	if err != nil {
		return newError(CodeStateUnavailable, fmt.Sprintf("move to %s", to), err)
	}
	r.exec = updated
	m.notify(ctx, r, string(to), "")
	return nil
}

// interrupted checks for cancellation between stages.
func (m *Manager) interrupted(ctx context.Context, r *run) *Error {
	if err := ctx.Err(); err != nil {
		return newError(CodeInterrupted, "execution context ended", err)
	}
	cur, err := m.state.GetExecution(ctx, r.exec.TenantID, r.exec.ID)
	if err != nil {
		return newError(CodeStateUnavailable, "read cancellation flag", err)
	}
	if cur.CancelRequested {
		return newError(CodeCancelled, "cancelled by request", nil)
	}
	return nil
}

// deny halts an execution the observer bus refused.
func (m *Manager) deny(ctx context.Context, r *run, d observer.Decision) (Result, error) {
	m.logger.Warn("intent denied",
		"audit", "policy",
		"tenant_id", r.exec.TenantID,
		"session_id", r.exec.SessionID,
		"execution_id", r.exec.ID,
		"intent_type", r.exec.IntentType,
		"denied_by", d.DeniedBy,
		"reason", d.Reason,
	)
	if err := m.record(ctx, r.exec, model.EventAuthorizationDenied, model.Payload{
		"execution_id": r.exec.ID,
		"denied_by":    d.DeniedBy,
		"reason":       d.Reason,
	}); err != nil {
		m.logger.Error("record denial", "execution_id", r.exec.ID, "error", err)
	}
	return m.abort(ctx, r, newError(CodePolicyDenied, fmt.Sprintf("denied by %s: %s", d.DeniedBy, d.Reason), nil))
}

// abort fails an execution before any step took effect.
func (m *Manager) abort(ctx context.Context, r *run, lerr *Error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	lerr.ExecutionID = r.exec.ID

	next := r.exec
	if err := next.Fail(lerr.executionError(false), m.clock.Now()); err != nil {
		return resultOf(r.exec), lerr
	}
	if werr := m.recordFailure(ctx, next); werr != nil {
		return m.unfinished(r, werr)
	}
	if r.saga != nil && !r.saga.State.Terminal() {
		if err := m.sagas.Fail(ctx, r.saga, lerr); err != nil {
			m.logger.Error("fail saga", "execution_id", r.exec.ID, "error", err)
		}
	}
	if !m.finish(ctx, r, next) {
		return resultOf(r.exec), lerr
	}
	m.notify(ctx, r, "failed", lerr.Code)
	m.logFailure(r, lerr)
	return resultOf(r.exec), lerr
}

// compensate undoes the saga after the realm may have run and records the
// outcome: compensated, or failed with manual intervention required.
func (m *Manager) compensate(ctx context.Context, r *run, lerr *Error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	lerr.ExecutionID = r.exec.ID

	if r.exec.Status != model.StatusCompensating {
		next := r.exec
		if err := next.Transition(model.StatusCompensating, m.clock.Now()); err == nil {
			next.Error = lerr.executionError(false)
			if updated, err := m.state.UpdateExecution(ctx, next); err != nil {
				m.logger.Error("record compensating", "execution_id", r.exec.ID, "error", err)
			} else {
				r.exec = updated
				m.notify(ctx, r, "compensating", lerr.Code)
			}
		}
	}

	manual := false
	if r.saga.State == model.SagaCreated {
		// The saga never started, so there is nothing to undo.
		if err := m.sagas.Fail(ctx, r.saga, lerr); err != nil {
			m.logger.Error("fail saga", "execution_id", r.exec.ID, "error", err)
		}
	} else if !r.saga.State.Terminal() {
		err := m.sagas.Compensate(ctx, r.saga, lerr)
		switch {
		case saga.IsCompensationError(err):
			manual = true
		case err != nil:
			// The saga stays compensating; Recover resumes it.
			m.logger.Error("compensation interrupted", "execution_id", r.exec.ID, "error", err)
			return resultOf(r.exec), newError(CodeStateUnavailable, "compensate", err)
		}
	} else {
		manual = r.saga.ManualIntervention
	}

	now := m.clock.Now()
	final := lerr
	next := r.exec
	if manual {
		final = newError(CodeCompensationFailed, fmt.Sprintf("%s: %s; could not undo %v", lerr.Code, lerr.Message, r.saga.Unrecoverable), lerr)
		final.ExecutionID = r.exec.ID
		if err := next.Fail(final.executionError(true), now); err != nil {
			return resultOf(r.exec), final
		}
		m.logger.Error("compensation failed, manual intervention required",
			"tenant_id", r.exec.TenantID,
			"execution_id", r.exec.ID,
			"unrecoverable", r.saga.Unrecoverable,
		)
	} else {
		if err := next.Transition(model.StatusCompensated, now); err != nil {
			return resultOf(r.exec), lerr
		}
		if next.Error == nil {
			next.Error = lerr.executionError(false)
		}
	}

	if werr := m.recordFailure(ctx, next); werr != nil {
		return m.unfinished(r, werr)
	}
	if !m.finish(ctx, r, next) {
		return resultOf(r.exec), final
	}
	m.notify(ctx, r, string(r.exec.Status), final.Code)
	m.logFailure(r, final)
	return resultOf(r.exec), final
}

// finish stores a terminal failure. Callers log execution_failed first, so
// a terminal execution always has its WAL entry.
func (m *Manager) finish(ctx context.Context, r *run, next model.Execution) bool {
	updated, err := m.state.UpdateExecution(ctx, next)
	if err != nil {
		m.logger.Error("record terminal status", "execution_id", r.exec.ID, "status", next.Status, "error", err)
		return false
	}
	r.exec = updated
	return true
}

// unfinished reports a failure that could not be logged. The execution
// keeps its last stored status and Recover resolves it.
func (m *Manager) unfinished(r *run, werr *Error) (Result, error) {
	werr.ExecutionID = r.exec.ID
	m.logger.Error("execution failure not recorded",
		"tenant_id", r.exec.TenantID,
		"execution_id", r.exec.ID,
		"status", r.exec.Status,
		"error", werr,
	)
	return resultOf(r.exec), werr
}

// logFailure logs platform failures at ERROR and everything else at INFO.
func (m *Manager) logFailure(r *run, lerr *Error) {
	level := slog.LevelInfo
	if lerr.Kind == KindPlatform {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "execution failed",
		"tenant_id", r.exec.TenantID,
		"execution_id", r.exec.ID,
		"status", r.exec.Status,
		"code", lerr.Code,
		"error", lerr.Message,
	)
}

// recordFailure logs execution_failed for exec in its terminal state.
func (m *Manager) recordFailure(ctx context.Context, exec model.Execution) *Error {
	payload := model.Payload{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	}
	if exec.Error != nil {
		payload["error"] = map[string]any{
			"code":                         exec.Error.Code,
			"message":                      exec.Error.Message,
			"manual_intervention_required": exec.Error.ManualIntervention,
		}
	}
	return m.append(ctx, exec, model.EventExecutionFailed, payload)
}

// record appends a lifecycle event. Each event type is logged at most once
// per execution.
func (m *Manager) record(ctx context.Context, exec model.Execution, eventType model.EventType, payload model.Payload) error {
	if err := m.append(ctx, exec, eventType, payload); err != nil {
		return err
	}
	return nil
}

func (m *Manager) append(ctx context.Context, exec model.Execution, eventType model.EventType, payload model.Payload) *Error {
	_, err := m.wal.AppendIdempotent(ctx, wal.Record{
		EventType:   eventType,
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Payload:     payload,
		Key:         model.IdempotencyKey(exec.ID, eventType),
	})
	if err != nil {
		return newError(CodeWALUnavailable, fmt.Sprintf("record %s", eventType), err)
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, r *run, stage string, code Code) {
	now := m.clock.Now()
	var d time.Duration
	if !r.stageAt.IsZero() {
		d = now.Sub(r.stageAt)
	}
	r.stageAt = now
	m.bus.Notify(ctx, observer.Event{
		ExecutionID: r.exec.ID,
		TenantID:    r.exec.TenantID,
		IntentType:  r.exec.IntentType,
		Stage:       stage,
		Status:      r.exec.Status,
		ErrorCode:   string(code),
		Duration:    d,
		At:          now,
	})
}

// compensateRealm undoes a completed realm.handle step through the realm's
// Compensator, if it has one.
func (m *Manager) compensateRealm(ctx context.Context, s *model.Saga, step model.StepRecord) error {
	intent, err := intentFromSaga(s)
	if err != nil {
		return err
	}
	realm, err := m.registry.Resolve(intent.Type)
	if err != nil {
		return fmt.Errorf("compensate %s: %w", intent.Type, err)
	}
	c, ok := realm.(registry.Compensator)
	if !ok {
		return nil
	}
	return c.Compensate(ctx, intent, registry.ExecContext{
		ExecutionID: saga.ExecutionID(s),
		SagaID:      s.ID,
		TenantID:    s.TenantID,
		SessionID:   s.SessionID,
		SolutionID:  intent.SolutionID,
		StartedAt:   s.CreatedAt,
	})
}

// handleJob drives one submitted execution on a dispatcher worker.
func (m *Manager) handleJob(ctx context.Context, j job) {
	r, err := m.load(ctx, j.tenantID, j.executionID)
	if err != nil {
		m.logger.Error("load submitted execution", "execution_id", j.executionID, "error", err)
		return
	}
	if r.exec.Status != model.StatusPending && r.exec.Status != model.StatusAuthorizing {
		return
	}
	if r.realm == nil {
		m.abort(ctx, r, newError(CodeUnknownIntent, fmt.Sprintf("no realm handles %q", r.intent.Type), nil))
		return
	}
	if _, err := m.drive(ctx, r); err != nil {
		m.logger.Debug("submitted execution did not complete", "execution_id", j.executionID, "error", err)
	}
}

// load rebuilds a run from the store.
func (m *Manager) load(ctx context.Context, tenantID, executionID string) (*run, error) {
	exec, err := m.state.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	r := &run{exec: exec, stageAt: m.clock.Now()}
	if exec.SagaID == "" {
		return r, nil
	}
	s, err := m.sagas.Get(ctx, exec.SagaID)
	if err != nil {
		return nil, fmt.Errorf("load saga: %w", err)
	}
	r.saga = s
	if r.intent, err = intentFromSaga(s); err != nil {
		return nil, err
	}
	if realm, err := m.registry.Resolve(r.intent.Type); err == nil {
		r.realm = realm
	}
	if r.override, err = materialize.OverrideFromMetadata(r.intent.Metadata); err != nil {
		return nil, err
	}
	return r, nil
}

func resultOf(exec model.Execution) Result {
	arts := exec.Artifacts
	if arts == nil {
		arts = map[string]model.ArtifactRef{}
	}
	return Result{ExecutionID: exec.ID, Status: exec.Status, Artifacts: arts, Error: exec.Error}
}

// errorOf reconstructs the typed error of a recorded failure.
func errorOf(exec model.Execution) error {
	if exec.Error == nil || exec.Status == model.StatusCompleted {
		return nil
	}
	code := Code(exec.Error.Code)
	return &Error{Kind: codeKinds[code], Code: code, Message: exec.Error.Message, ExecutionID: exec.ID}
}

func realmError(err error) *Error {
	var re *registry.RealmError
	if errors.As(err, &re) {
		return newError(CodeRealmFailed, fmt.Sprintf("%s: %s", re.Code, re.Message), err)
	}
	return newError(CodeRealmFailed, err.Error(), err)
}

// completedPayload describes a committed execution. events < 0 means the
// count is unknown, as during recovery.
func completedPayload(exec model.Execution, events int) model.Payload {
	names := make([]any, 0, len(exec.Artifacts))
	for _, name := range sortedKeys(exec.Artifacts) {
		names = append(names, name)
	}
	p := model.Payload{
		"execution_id": exec.ID,
		"artifacts":    names,
	}
	if events >= 0 {
		p["events"] = events
	}
	return p
}

// intentPayload flattens an intent for the WAL and the saga context.
func intentPayload(intent model.Intent) model.Payload {
	data, err := json.Marshal(intent)
	if err != nil {
		return model.Payload{}
	}
	var p model.Payload
	if err := model.DecodePayload(data, &p); err != nil {
		return model.Payload{}
	}
	return p
}

func intentFromSaga(s *model.Saga) (model.Intent, error) {
	raw, ok := s.Context[sagaContextIntent]
	if !ok {
		return model.Intent{}, fmt.Errorf("saga %s has no intent", s.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return model.Intent{}, fmt.Errorf("saga %s: encode intent: %w", s.ID, err)
	}
	var intent model.Intent
	if err := model.DecodePayload(data, &intent); err != nil {
		return model.Intent{}, fmt.Errorf("saga %s: decode intent: %w", s.ID, err)
	}
	return intent, nil
}

func intentKey(intent model.Intent) string {
	return model.Digest(model.DomainIdempotency,
		[]byte(intent.TenantID+"\x00"+intent.ID+"\x00"+string(model.EventIntentReceived)))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
