package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// PutArtifact writes an artifact record outside of a commit. Cache entries
// that fall back to the state surface are written this way.
func (s *Store) PutArtifact(ctx context.Context, rec model.ArtifactRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put artifact: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertArtifactTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put artifact: commit: %w", err)
	}
	return nil
}

// GetArtifact reads an artifact record scoped to its tenant and execution.
// Expired records are reported as ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, tenantID, executionID, name string, now time.Time) (model.ArtifactRecord, error) {
	rec, err := scanArtifact(s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE tenant_id = ? AND execution_id = ? AND name = ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`, tenantID, executionID, name, toNanos(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ArtifactRecord{}, fmt.Errorf("artifact %s/%s: %w", executionID, name, ErrNotFound)
	}
	if err != nil {
		return model.ArtifactRecord{}, fmt.Errorf("get artifact %s/%s: %w", executionID, name, err)
	}
	return rec, nil
}

// ListArtifacts returns the artifact records of one execution ordered by name.
func (s *Store) ListArtifacts(ctx context.Context, tenantID, executionID string) ([]model.ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE tenant_id = ? AND execution_id = ?
		ORDER BY name COLLATE BINARY ASC
	`, tenantID, executionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	recs := []model.ArtifactRecord{}
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: iterate: %w", err)
	}
	return recs, nil
}

// DeleteArtifact removes one artifact record. Deleting a missing record is not an error.
func (s *Store) DeleteArtifact(ctx context.Context, tenantID, executionID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE tenant_id = ? AND execution_id = ? AND name = ?
	`, tenantID, executionID, name)
	if err != nil {
		return fmt.Errorf("delete artifact %s/%s: %w", executionID, name, err)
	}
	return nil
}

// PurgeExpiredArtifacts deletes cached artifacts whose TTL elapsed at or before now.
func (s *Store) PurgeExpiredArtifacts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purge artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge artifacts: rows affected: %w", err)
	}
	return n, nil
}

func upsertArtifactTx(ctx context.Context, tx *sql.Tx, rec model.ArtifactRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts
		(tenant_id, execution_id, name, result_type, action, backend, location, digest, data, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, execution_id, name) DO UPDATE SET
			result_type = excluded.result_type,
			action = excluded.action,
			backend = excluded.backend,
			location = excluded.location,
			digest = excluded.digest,
			data = excluded.data,
			expires_at = excluded.expires_at
	`,
		rec.TenantID,
		rec.ExecutionID,
		rec.Ref.Name,
		rec.Ref.ResultType,
		string(rec.Ref.Action),
		rec.Ref.Backend,
		rec.Ref.Location,
		rec.Ref.Digest,
		rec.Data,
		nullableNanos(rec.Ref.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("write artifact %s/%s: %w", rec.ExecutionID, rec.Ref.Name, err)
	}
	return nil
}

const artifactColumns = `tenant_id, execution_id, name, result_type, action, backend, location, digest, data, expires_at`

func scanArtifact(row rowScanner) (model.ArtifactRecord, error) {
	var (
		rec       model.ArtifactRecord
		action    string
		expiresAt sql.NullInt64
	)
	if err := row.Scan(
		&rec.TenantID, &rec.ExecutionID, &rec.Ref.Name, &rec.Ref.ResultType, &action,
		&rec.Ref.Backend, &rec.Ref.Location, &rec.Ref.Digest, &rec.Data, &expiresAt,
	); err != nil {
		return model.ArtifactRecord{}, err
	}
	rec.Ref.Action = model.MaterializeAction(action)
	rec.Ref.ExpiresAt = fromNullableNanos(expiresAt)
	return rec, nil
}
