package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/saga"
	"github.com/roach88/intentd/internal/store"
)

// RecoveryReport summarises what Recover did.
type RecoveryReport struct {
	Resumed     []string `json:"resumed"`     // Executions handed back to the dispatcher
	Failed      []string `json:"failed"`      // Executions that could not be resumed
	Compensated []string `json:"compensated"` // Executions compensated after an interruption
	Manual      []string `json:"manual"`      // Executions needing manual intervention
	Finalized   []string `json:"finalized"`   // Committed executions whose saga was closed
	Orphans     []string `json:"orphans"`     // Sagas without an execution
}

// Empty reports whether recovery had nothing to do.
func (r RecoveryReport) Empty() bool {
	return len(r.Resumed)+len(r.Failed)+len(r.Compensated)+len(r.Manual)+len(r.Finalized)+len(r.Orphans) == 0
}

// Recover resolves executions left mid-flight by a crash. It must run before
// new intents are accepted.
//
// Executions that never reached the realm are handed back to the
// dispatcher and run once it starts. They fail as interrupted only when
// their intent or realm can no longer be resolved, or when their failure
// was already being recorded. Those that may have run the realm are
// compensated. Committed executions get their completion logged and their
// saga closed, since stage 7 may not have finished. The relay is woken
// afterwards for any staged outbox entries.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	early, err := m.state.ListExecutionsByStatus(ctx, model.StatusPending, model.StatusAuthorizing)
	if err != nil {
		return report, fmt.Errorf("recover: %w", err)
	}
	for _, exec := range early {
		r, reason, err := m.resumable(ctx, exec)
		if err != nil {
			return report, fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		if reason != "" {
			m.abort(ctx, r, newError(CodeInterrupted, reason, nil))
			if !r.exec.Status.Terminal() {
				return report, fmt.Errorf("recover %s: failure was not recorded", exec.ID)
			}
			report.Failed = append(report.Failed, exec.ID)
			continue
		}
		if err := m.dispatcher.enqueue(job{tenantID: exec.TenantID, executionID: exec.ID}); err != nil {
			return report, fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		report.Resumed = append(report.Resumed, exec.ID)
	}

	late, err := m.state.ListExecutionsByStatus(ctx, model.StatusRunning, model.StatusMaterializing, model.StatusCompensating)
	if err != nil {
		return report, fmt.Errorf("recover: %w", err)
	}
	for _, exec := range late {
		r, err := m.load(ctx, exec.TenantID, exec.ID)
		if err != nil {
			return report, fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		if r.saga == nil {
			return report, fmt.Errorf("recover %s: execution has no saga", exec.ID)
		}
		m.compensate(ctx, r, newError(CodeInterrupted, "runtime stopped during execution", nil))
		switch {
		case r.exec.Error != nil && r.exec.Error.ManualIntervention:
			report.Manual = append(report.Manual, exec.ID)
		case r.exec.Status.Terminal():
			report.Compensated = append(report.Compensated, exec.ID)
		default:
			return report, fmt.Errorf("recover %s: compensation did not finish", exec.ID)
		}
	}

	pending, err := m.sagas.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("recover: %w", err)
	}
	for _, s := range pending {
		if err := m.recoverSaga(ctx, s, &report); err != nil {
			return report, err
		}
	}

	if m.relay != nil {
		m.relay.Notify()
	}
	if !report.Empty() {
		m.logger.Info("recovery finished",
			"resumed", len(report.Resumed),
			"failed", len(report.Failed),
			"compensated", len(report.Compensated),
			"manual", len(report.Manual),
			"finalized", len(report.Finalized),
			"orphans", len(report.Orphans),
		)
	}
	return report, nil
}

// resumable loads an execution that never reached its realm. A non-empty
// reason means it cannot be driven again and must fail.
func (m *Manager) resumable(ctx context.Context, exec model.Execution) (*run, string, error) {
	r, err := m.load(ctx, exec.TenantID, exec.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
		m.logger.Warn("execution cannot be resumed", "execution_id", exec.ID, "error", err)
		return &run{exec: exec, stageAt: m.clock.Now()}, "runtime stopped and the intent could not be reloaded", nil
	}
	if r.saga == nil || r.realm == nil {
		return r, "runtime stopped and the realm is no longer registered", nil
	}
	if r.saga.State.Terminal() {
		return r, "runtime stopped while the execution was failing", nil
	}
	failing, err := m.wal.Has(ctx, exec.TenantID, exec.ID, model.EventExecutionFailed)
	if err != nil {
		return nil, "", err
	}
	if failing {
		return r, "runtime stopped while the execution was failing", nil
	}
	return r, "", nil
}

// recoverSaga closes a non-terminal saga whose execution already reached a
// terminal status, or that never got an execution at all.
func (m *Manager) recoverSaga(ctx context.Context, s *model.Saga, report *RecoveryReport) error {
	execID := saga.ExecutionID(s)
	exec, err := m.state.GetExecution(ctx, s.TenantID, execID)
	if errors.Is(err, store.ErrNotFound) {
		report.Orphans = append(report.Orphans, s.ID)
		if len(s.CompletedSteps()) == 0 {
			if err := m.sagas.Fail(ctx, s, errors.New("execution was never recorded")); err != nil {
				return fmt.Errorf("recover saga %s: %w", s.ID, err)
			}
			return nil
		}
		if s.State == model.SagaCreated {
			return nil
		}
		if err := m.sagas.Compensate(ctx, s, errors.New("execution was never recorded")); err != nil {
			m.logger.Error("compensate orphan saga", "saga_id", s.ID, "error", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover saga %s: %w", s.ID, err)
	}

	switch exec.Status {
	case model.StatusCompleted:
		if err := m.record(ctx, exec, model.EventExecutionCompleted, completedPayload(exec, -1)); err != nil {
			return fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		if s.State == model.SagaCreated {
			if err := m.sagas.Start(ctx, s); err != nil {
				return fmt.Errorf("recover saga %s: %w", s.ID, err)
			}
		}
		if err := m.sagas.Complete(ctx, s); err != nil {
			return fmt.Errorf("recover saga %s: %w", s.ID, err)
		}
		report.Finalized = append(report.Finalized, exec.ID)
	case model.StatusFailed, model.StatusCompensated:
		if err := m.recordFailure(ctx, exec); err != nil {
			return fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		if len(s.CompletedSteps()) == 0 && s.State != model.SagaCompensating {
			if err := m.sagas.Fail(ctx, s, causeOf(exec)); err != nil {
				return fmt.Errorf("recover saga %s: %w", s.ID, err)
			}
			return nil
		}
		if s.State == model.SagaCreated {
			return nil
		}
		if err := m.sagas.Compensate(ctx, s, causeOf(exec)); err != nil {
			m.logger.Error("compensate saga of failed execution", "saga_id", s.ID, "execution_id", exec.ID, "error", err)
		}
	}
	// Non-terminal executions were handled above.
	return nil
}

// causeOf turns a recorded execution error into a saga failure cause.
func causeOf(exec model.Execution) error {
	if exec.Error == nil {
		return fmt.Errorf("execution %s %s", exec.ID, exec.Status)
	}
	return exec.Error
}
