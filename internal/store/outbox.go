package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// DuePublishable returns staged outbox entries that may be published now:
// the owning execution is completed and next_attempt_at <= now.
//
// Entries of executions that are not committed are never returned, which is
// what keeps events of rolled-back work from reaching downstream consumers.
func (s *Store) DuePublishable(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOutbox(ctx, "due outbox", `
		SELECT o.entry_id, o.tenant_id, o.execution_id, o.event_type, o.payload, o.status,
		       o.attempts, o.next_attempt_at, o.last_error, o.created_at, o.published_at
		FROM outbox o
		JOIN executions e ON e.tenant_id = o.tenant_id AND e.execution_id = o.execution_id
		WHERE o.status = ? AND e.status = ? AND o.next_attempt_at <= ?
		ORDER BY o.created_at ASC, o.entry_id COLLATE BINARY ASC
		LIMIT ?
	`, string(model.PublishStaged), string(model.StatusCompleted), toNanos(now), limit)
}

// MarkPublished moves a staged entry to published.
// Returns ErrNotFound if the entry is not staged.
func (s *Store) MarkPublished(ctx context.Context, entryID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, published_at = ?, last_error = ''
		WHERE entry_id = ? AND status = ?
	`, string(model.PublishPublished), toNanos(at), entryID, string(model.PublishStaged))
	if err != nil {
		return fmt.Errorf("mark published %s: %w", entryID, err)
	}
	return requireOneRow(res, "outbox entry "+entryID)
}

// RecordPublishFailure stores a failed publish attempt. When dead is set the
// entry moves to failed and is no longer retried by the relay.
func (s *Store) RecordPublishFailure(ctx context.Context, entryID string, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	status := model.PublishStaged
	if dead {
		status = model.PublishFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE entry_id = ? AND status = ?
	`, string(status), attempts, toNanos(nextAttemptAt), lastErr, entryID, string(model.PublishStaged))
	if err != nil {
		return fmt.Errorf("record publish failure %s: %w", entryID, err)
	}
	return requireOneRow(res, "outbox entry "+entryID)
}

// GetOutboxEntry reads one outbox entry.
func (s *Store) GetOutboxEntry(ctx context.Context, entryID string) (model.OutboxEntry, error) {
	entry, err := scanOutboxEntry(s.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox WHERE entry_id = ?
	`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutboxEntry{}, fmt.Errorf("outbox entry %s: %w", entryID, ErrNotFound)
	}
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("get outbox entry %s: %w", entryID, err)
	}
	return entry, nil
}

// ListOutboxByExecution returns the outbox entries staged for one execution.
func (s *Store) ListOutboxByExecution(ctx context.Context, tenantID, executionID string) ([]model.OutboxEntry, error) {
	return s.queryOutbox(ctx, "list outbox", `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE tenant_id = ? AND execution_id = ?
		ORDER BY created_at ASC, entry_id COLLATE BINARY ASC
	`, tenantID, executionID)
}

// ListOutboxByStatus returns entries in one status, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListOutboxByStatus(ctx context.Context, status model.PublishStatus, limit int) ([]model.OutboxEntry, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox
		WHERE status = ?
		ORDER BY created_at ASC, entry_id COLLATE BINARY ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryOutbox(ctx, "list outbox", query, args...)
}

// OutboxSummary counts entries per publish status. Every status is present
// in the result, zero when no entry has it.
func (s *Store) OutboxSummary(ctx context.Context) (map[model.PublishStatus]int, error) {
	summary := map[model.PublishStatus]int{
		model.PublishStaged:    0,
		model.PublishPublished: 0,
		model.PublishFailed:    0,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox summary: scan: %w", err)
		}
		summary[model.PublishStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox summary: iterate: %w", err)
	}
	return summary, nil
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, entry model.OutboxEntry) error {
	if entry.Status == "" {
		entry.Status = model.PublishStaged
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox
		(entry_id, tenant_id, execution_id, event_type, payload, status, attempts,
		 next_attempt_at, last_error, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO NOTHING
	`,
		entry.ID,
		entry.TenantID,
		entry.ExecutionID,
		entry.EventType,
		entry.Payload,
		string(entry.Status),
		entry.Attempts,
		toNanos(entry.NextAttemptAt),
		entry.LastError,
		toNanos(entry.CreatedAt),
		nullableNanos(entry.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("stage outbox entry %s: %w", entry.ID, err)
	}
	return nil
}

const outboxColumns = `entry_id, tenant_id, execution_id, event_type, payload, status,
		attempts, next_attempt_at, last_error, created_at, published_at`

func (s *Store) queryOutbox(ctx context.Context, op, query string, args ...any) ([]model.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	entries := []model.OutboxEntry{}
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return entries, nil
}

func scanOutboxEntry(row rowScanner) (model.OutboxEntry, error) {
	var (
		entry       model.OutboxEntry
		status      string
		nextAttempt int64
		createdAt   int64
		publishedAt sql.NullInt64
	)
	if err := row.Scan(
		&entry.ID, &entry.TenantID, &entry.ExecutionID, &entry.EventType, &entry.Payload,
		&status, &entry.Attempts, &nextAttempt, &entry.LastError, &createdAt, &publishedAt,
	); err != nil {
		return model.OutboxEntry{}, err
	}
	entry.Status = model.PublishStatus(status)
	entry.NextAttemptAt = fromNanos(nextAttempt)
	entry.CreatedAt = fromNanos(createdAt)
	entry.PublishedAt = fromNullableNanos(publishedAt)
	return entry, nil
}

func requireOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
