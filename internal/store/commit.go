package store

import (
	"context"
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// CommitRequest is the unit of work that finishes an execution.
type CommitRequest struct {
	// Execution carries the new state and the version it was read at.
	Execution model.Execution

	// Artifacts are written to the artifacts table in the same transaction.
	Artifacts []model.ArtifactRecord

	// Outbox entries are staged in the same transaction.
	Outbox []model.OutboxEntry
}

// Commit atomically updates the execution, writes its artifact records and
// stages its outbox entries. Either all of it is durable or none of it is.
//
// Returns ErrVersionConflict if the execution changed since it was read.
// Staging an entry ID that already exists is a no-op, so a commit replayed
// by recovery never duplicates events.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (model.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Execution{}, fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback()

	updated, err := updateExecutionTx(ctx, tx, req.Execution)
	if err != nil {
		return model.Execution{}, fmt.Errorf("commit: %w", err)
	}

	for _, rec := range req.Artifacts {
		if rec.TenantID != updated.TenantID || rec.ExecutionID != updated.ID {
			return model.Execution{}, fmt.Errorf("commit: artifact %q belongs to %s/%s, not %s/%s",
				rec.Ref.Name, rec.TenantID, rec.ExecutionID, updated.TenantID, updated.ID)
		}
		if err := upsertArtifactTx(ctx, tx, rec); err != nil {
			return model.Execution{}, fmt.Errorf("commit: %w", err)
		}
	}

	for _, entry := range req.Outbox {
		if entry.TenantID != updated.TenantID || entry.ExecutionID != updated.ID {
			return model.Execution{}, fmt.Errorf("commit: outbox entry %s belongs to %s/%s, not %s/%s",
				entry.ID, entry.TenantID, entry.ExecutionID, updated.TenantID, updated.ID)
		}
		if err := insertOutboxTx(ctx, tx, entry); err != nil {
			return model.Execution{}, fmt.Errorf("commit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Execution{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}
