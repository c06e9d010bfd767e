package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/intentd/internal/model"
)

// SaveSaga upserts a saga and all of its step records in one transaction.
//
// Steps are keyed by (saga_id, index); a step recorded earlier is overwritten
// with its latest status. Steps are never removed.
func (s *Store) SaveSaga(ctx context.Context, saga *model.Saga) error {
	contextJSON, err := model.CanonicalString(nonNilPayload(saga.Context))
	if err != nil {
		return fmt.Errorf("save saga %s: marshal context: %w", saga.ID, err)
	}
	unrecoverable := saga.Unrecoverable
	if unrecoverable == nil {
		unrecoverable = []string{}
	}
	unrecoverableJSON, err := model.CanonicalString(unrecoverable)
	if err != nil {
		return fmt.Errorf("save saga %s: marshal unrecoverable: %w", saga.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save saga %s: begin tx: %w", saga.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sagas
		(saga_id, tenant_id, session_id, name, state, context, unrecoverable,
		 manual_intervention, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(saga_id) DO UPDATE SET
			state = excluded.state,
			context = excluded.context,
			unrecoverable = excluded.unrecoverable,
			manual_intervention = excluded.manual_intervention,
			error = excluded.error,
			updated_at = excluded.updated_at
	`,
		saga.ID,
		saga.TenantID,
		saga.SessionID,
		saga.Name,
		string(saga.State),
		contextJSON,
		unrecoverableJSON,
		saga.ManualIntervention,
		saga.Error,
		toNanos(saga.CreatedAt),
		toNanos(saga.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save saga %s: %w", saga.ID, err)
	}

	for _, step := range saga.Steps {
		dataJSON, err := model.CanonicalString(nonNilPayload(step.Data))
		if err != nil {
			return fmt.Errorf("save saga %s: marshal step %q: %w", saga.ID, step.Name, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO saga_steps (saga_id, idx, name, status, data, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(saga_id, idx) DO UPDATE SET
				status = excluded.status,
				data = excluded.data,
				error = excluded.error,
				updated_at = excluded.updated_at
		`, saga.ID, step.Index, step.Name, string(step.Status), dataJSON, step.Error, toNanos(step.UpdatedAt))
		if err != nil {
			return fmt.Errorf("save saga %s: step %q: %w", saga.ID, step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save saga %s: commit: %w", saga.ID, err)
	}
	return nil
}

// GetSaga loads a saga with its steps ordered by index.
func (s *Store) GetSaga(ctx context.Context, sagaID string) (*model.Saga, error) {
	saga, err := scanSaga(s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+` FROM sagas WHERE saga_id = ?
	`, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", sagaID, err)
	}
	if err := s.loadSteps(ctx, saga); err != nil {
		return nil, err
	}
	return saga, nil
}

// ListSagasByState returns sagas in the given states, oldest first, with steps.
func (s *Store) ListSagasByState(ctx context.Context, states ...model.SagaState) ([]*model.Saga, error) {
	if len(states) == 0 {
		return []*model.Saga{}, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM sagas
		WHERE state IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at ASC, saga_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}

	sagas := []*model.Saga{}
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list sagas: %w", err)
		}
		sagas = append(sagas, saga)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list sagas: iterate: %w", err)
	}
	rows.Close()

	// Steps are loaded after the cursor is closed; the pool has one connection.
	for _, saga := range sagas {
		if err := s.loadSteps(ctx, saga); err != nil {
			return nil, err
		}
	}
	return sagas, nil
}

func (s *Store) loadSteps(ctx context.Context, saga *model.Saga) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, name, status, data, error, updated_at
		FROM saga_steps
		WHERE saga_id = ?
		ORDER BY idx ASC
	`, saga.ID)
	if err != nil {
		return fmt.Errorf("load saga steps %s: %w", saga.ID, err)
	}
	defer rows.Close()

	saga.Steps = []model.StepRecord{}
	for rows.Next() {
		var (
			step      model.StepRecord
			status    string
			dataJSON  string
			updatedAt int64
		)
		if err := rows.Scan(&step.Index, &step.Name, &status, &dataJSON, &step.Error, &updatedAt); err != nil {
			return fmt.Errorf("scan saga step: %w", err)
		}
		step.Status = model.StepStatus(status)
		step.UpdatedAt = fromNanos(updatedAt)
		if err := model.DecodePayload([]byte(dataJSON), &step.Data); err != nil {
			return fmt.Errorf("decode saga step %q: %w", step.Name, err)
		}
		saga.Steps = append(saga.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate saga steps: %w", err)
	}
	return nil
}

const sagaColumns = `saga_id, tenant_id, session_id, name, state, context, unrecoverable,
		manual_intervention, error, created_at, updated_at`

func scanSaga(row rowScanner) (*model.Saga, error) {
	var (
		saga              model.Saga
		state             string
		contextJSON       string
		unrecoverableJSON string
		createdAt         int64
		updatedAt         int64
	)
	if err := row.Scan(
		&saga.ID, &saga.TenantID, &saga.SessionID, &saga.Name, &state, &contextJSON,
		&unrecoverableJSON, &saga.ManualIntervention, &saga.Error, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	saga.State = model.SagaState(state)
	saga.CreatedAt = fromNanos(createdAt)
	saga.UpdatedAt = fromNanos(updatedAt)
	if err := model.DecodePayload([]byte(contextJSON), &saga.Context); err != nil {
		return nil, fmt.Errorf("decode saga context: %w", err)
	}
	if err := model.DecodePayload([]byte(unrecoverableJSON), &saga.Unrecoverable); err != nil {
		return nil, fmt.Errorf("decode unrecoverable steps: %w", err)
	}
	if len(saga.Unrecoverable) == 0 {
		saga.Unrecoverable = nil
	}
	return &saga, nil
}
