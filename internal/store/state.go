package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/intentd/internal/model"
)

// CreateExecution inserts a new execution at version 1.
// Returns ErrDuplicate if the tenant already has an execution for the intent ID.
func (s *Store) CreateExecution(ctx context.Context, exec model.Execution) (model.Execution, error) {
	artifactsJSON, errJSON, err := marshalExecutionFields(exec)
	if err != nil {
		return model.Execution{}, fmt.Errorf("create execution: %w", err)
	}

	exec.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
		(tenant_id, execution_id, intent_id, intent_type, session_id, solution_id, saga_id,
		 status, artifacts, error, cancel_requested, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.TenantID,
		exec.ID,
		exec.IntentID,
		exec.IntentType,
		exec.SessionID,
		exec.SolutionID,
		exec.SagaID,
		string(exec.Status),
		artifactsJSON,
		errJSON,
		exec.CancelRequested,
		exec.Version,
		toNanos(exec.CreatedAt),
		toNanos(exec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Execution{}, fmt.Errorf("create execution %s: %w", exec.ID, ErrDuplicate)
		}
		return model.Execution{}, fmt.Errorf("create execution %s: %w", exec.ID, err)
	}
	return exec, nil
}

// GetExecution reads an execution scoped to its tenant.
// Returns ErrNotFound if the execution does not exist for that tenant.
func (s *Store) GetExecution(ctx context.Context, tenantID, executionID string) (model.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE tenant_id = ? AND execution_id = ?
	`, tenantID, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return exec, nil
}

// GetExecutionByIntent finds the execution created for an intent ID.
func (s *Store) GetExecutionByIntent(ctx context.Context, tenantID, intentID string) (model.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE tenant_id = ? AND intent_id = ?
	`, tenantID, intentID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("execution for intent %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("get execution for intent %s: %w", intentID, err)
	}
	return exec, nil
}

// UpdateExecution writes exec if the stored version equals exec.Version and
// returns the record with its version incremented.
//
// Returns ErrVersionConflict if another writer updated the execution first.
// The cancel_requested flag is owned by RequestCancel and is not overwritten.
func (s *Store) UpdateExecution(ctx context.Context, exec model.Execution) (model.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Execution{}, fmt.Errorf("update execution: begin tx: %w", err)
	}
	defer tx.Rollback()

	updated, err := updateExecutionTx(ctx, tx, exec)
	if err != nil {
		return model.Execution{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Execution{}, fmt.Errorf("update execution: commit: %w", err)
	}
	return updated, nil
}

func updateExecutionTx(ctx context.Context, tx *sql.Tx, exec model.Execution) (model.Execution, error) {
	artifactsJSON, errJSON, err := marshalExecutionFields(exec)
	if err != nil {
		return model.Execution{}, fmt.Errorf("update execution: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET saga_id = ?, status = ?, artifacts = ?, error = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND execution_id = ? AND version = ?
	`,
		exec.SagaID,
		string(exec.Status),
		artifactsJSON,
		errJSON,
		toNanos(exec.UpdatedAt),
		exec.TenantID,
		exec.ID,
		exec.Version,
	)
	if err != nil {
		return model.Execution{}, fmt.Errorf("update execution %s: %w", exec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return model.Execution{}, fmt.Errorf("update execution %s: rows affected: %w", exec.ID, err)
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT version FROM executions WHERE tenant_id = ? AND execution_id = ?
		`, exec.TenantID, exec.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Execution{}, fmt.Errorf("update execution %s: %w", exec.ID, ErrNotFound)
		}
		if err != nil {
			return model.Execution{}, fmt.Errorf("update execution %s: read version: %w", exec.ID, err)
		}
		return model.Execution{}, fmt.Errorf("update execution %s: have version %d, stored %d: %w",
			exec.ID, exec.Version, current, ErrVersionConflict)
	}

	exec.Version++
	return exec, nil
}

// RequestCancel flags an execution for cancellation. The lifecycle manager
// observes the flag between stages. Returns ErrNotFound for unknown executions.
func (s *Store) RequestCancel(ctx context.Context, tenantID, executionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET cancel_requested = 1
		WHERE tenant_id = ? AND execution_id = ?
	`, tenantID, executionID)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel %s: rows affected: %w", executionID, err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return nil
}

// ListExecutionsByStatus returns executions of any tenant in the given
// statuses, oldest first. Used by crash recovery.
func (s *Store) ListExecutionsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Execution, error) {
	if len(statuses) == 0 {
		return []model.Execution{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at ASC, execution_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs := []model.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: iterate: %w", err)
	}
	return execs, nil
}

// CreateSession inserts a session. Returns ErrDuplicate if the ID exists.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	contextJSON, err := model.CanonicalString(nonNilPayload(sess.Context))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_id, user_id, context, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.TenantID, sess.ID, sess.UserID, contextJSON, toNanos(sess.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", sess.ID, ErrDuplicate)
		}
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession reads a session scoped to its tenant.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (model.Session, error) {
	var (
		sess        model.Session
		contextJSON string
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, session_id, user_id, context, created_at
		FROM sessions
		WHERE tenant_id = ? AND session_id = ?
	`, tenantID, sessionID).Scan(&sess.TenantID, &sess.ID, &sess.UserID, &contextJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if err := model.DecodePayload([]byte(contextJSON), &sess.Context); err != nil {
		return model.Session{}, fmt.Errorf("get session %s: decode context: %w", sessionID, err)
	}
	sess.CreatedAt = fromNanos(createdAt)
	return sess, nil
}

const executionColumns = `tenant_id, execution_id, intent_id, intent_type, session_id, solution_id, saga_id,
		       status, artifacts, error, cancel_requested, version, created_at, updated_at`

func scanExecution(row rowScanner) (model.Execution, error) {
	var (
		exec          model.Execution
		status        string
		artifactsJSON string
		errJSON       sql.NullString
		createdAt     int64
		updatedAt     int64
	)
	if err := row.Scan(
		&exec.TenantID, &exec.ID, &exec.IntentID, &exec.IntentType, &exec.SessionID,
		&exec.SolutionID, &exec.SagaID, &status, &artifactsJSON, &errJSON,
		&exec.CancelRequested, &exec.Version, &createdAt, &updatedAt,
	); err != nil {
		return model.Execution{}, err
	}
	exec.Status = model.Status(status)
	exec.CreatedAt = fromNanos(createdAt)
	exec.UpdatedAt = fromNanos(updatedAt)

	exec.Artifacts = map[string]model.ArtifactRef{}
	if err := model.DecodePayload([]byte(artifactsJSON), &exec.Artifacts); err != nil {
		return model.Execution{}, fmt.Errorf("decode artifacts: %w", err)
	}
	if errJSON.Valid && errJSON.String != "" {
		exec.Error = &model.ExecutionError{}
		if err := model.DecodePayload([]byte(errJSON.String), exec.Error); err != nil {
			return model.Execution{}, fmt.Errorf("decode error: %w", err)
		}
	}
	return exec, nil
}

func marshalExecutionFields(exec model.Execution) (artifacts string, execErr sql.NullString, err error) {
	refs := exec.Artifacts
	if refs == nil {
		refs = map[string]model.ArtifactRef{}
	}
	artifacts, err = model.CanonicalString(refs)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshal artifacts: %w", err)
	}
	if exec.Error != nil {
		s, err := model.CanonicalString(exec.Error)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("marshal error: %w", err)
		}
		execErr = sql.NullString{String: s, Valid: true}
	}
	return artifacts, execErr, nil
}

func nonNilPayload(p model.Payload) model.Payload {
	if p == nil {
		return model.Payload{}
	}
	return p
}

// isUniqueViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
