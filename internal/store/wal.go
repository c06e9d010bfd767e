package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// AppendWAL inserts a WAL entry and assigns its partition sequence number.
//
// If entry.IdempotencyKey is set and an entry with the same (tenant, key)
// already exists, the existing entry is returned with inserted=false and
// nothing is written. This makes lifecycle appends safe to retry.
//
// The entry is durable when AppendWAL returns nil.
func (s *Store) AppendWAL(ctx context.Context, entry model.WALEntry) (stored model.WALEntry, inserted bool, err error) {
	if entry.Partition == "" {
		return model.WALEntry{}, false, fmt.Errorf("append wal: partition is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WALEntry{}, false, fmt.Errorf("append wal: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if entry.IdempotencyKey != "" {
		existing, err := scanWALEntry(tx.QueryRowContext(ctx, `
			SELECT event_id, stream, tenant_id, seq, event_type, ts, execution_id, idempotency_key, payload
			FROM wal_entries
			WHERE tenant_id = ? AND idempotency_key = ?
		`, entry.TenantID, entry.IdempotencyKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.WALEntry{}, false, fmt.Errorf("append wal: lookup idempotency key: %w", err)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM wal_entries WHERE stream = ?
	`, entry.Partition).Scan(&seq); err != nil {
		return model.WALEntry{}, false, fmt.Errorf("append wal: next seq: %w", err)
	}
	entry.Seq = seq

	var idemKey sql.NullString
	if entry.IdempotencyKey != "" {
		idemKey = sql.NullString{String: entry.IdempotencyKey, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wal_entries
		(event_id, stream, tenant_id, day, seq, event_type, ts, execution_id, idempotency_key, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.EventID,
		entry.Partition,
		entry.TenantID,
		model.Day(entry.Timestamp).Format(model.DateLayout),
		entry.Seq,
		string(entry.EventType),
		toNanos(entry.Timestamp),
		entry.ExecutionID,
		idemKey,
		entry.Payload,
	)
	if err != nil {
		return model.WALEntry{}, false, fmt.Errorf("append wal: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.WALEntry{}, false, fmt.Errorf("append wal: commit: %w", err)
	}

	return entry, true, nil
}

// ReadPartition returns entries of one partition ordered by seq.
// Zero start/end leave that bound open; end is exclusive. limit <= 0 means no limit.
//
// Returns an empty slice (not nil) if the partition has no matching entries.
func (s *Store) ReadPartition(ctx context.Context, partition string, start, end time.Time, limit int) ([]model.WALEntry, error) {
	var (
		clauses = []string{"stream = ?"}
		args    = []any{partition}
	)
	if !start.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, toNanos(start))
	}
	if !end.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, toNanos(end))
	}

	query := `
		SELECT event_id, stream, tenant_id, seq, event_type, ts, execution_id, idempotency_key, payload
		FROM wal_entries
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY seq ASC, event_id COLLATE BINARY ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryWAL(ctx, "read partition", query, args...)
}

// ReadExecutionWAL returns every entry tagged with executionID for the tenant
// whose day lies in [fromDay, toDay], ordered by (day, seq).
// Sagas that straddle midnight therefore read back as one ordered history.
func (s *Store) ReadExecutionWAL(ctx context.Context, tenantID, executionID string, fromDay, toDay time.Time) ([]model.WALEntry, error) {
	return s.queryWAL(ctx, "read execution wal", `
		SELECT event_id, stream, tenant_id, seq, event_type, ts, execution_id, idempotency_key, payload
		FROM wal_entries
		WHERE tenant_id = ? AND execution_id = ? AND day >= ? AND day <= ?
		ORDER BY day ASC, seq ASC, event_id COLLATE BINARY ASC
	`,
		tenantID,
		executionID,
		model.Day(fromDay).Format(model.DateLayout),
		model.Day(toDay).Format(model.DateLayout),
	)
}

// HasWALEvent reports whether an execution already has an entry of the given type.
func (s *Store) HasWALEvent(ctx context.Context, tenantID, executionID string, eventType model.EventType) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wal_entries
		WHERE tenant_id = ? AND execution_id = ? AND event_type = ?
	`, tenantID, executionID, string(eventType)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check wal event: %w", err)
	}
	return count > 0, nil
}

// ListPartitions returns the partition names of a tenant in day order.
// An empty tenantID lists partitions of every tenant.
func (s *Store) ListPartitions(ctx context.Context, tenantID string) ([]string, error) {
	query := `SELECT DISTINCT stream FROM wal_entries ORDER BY stream COLLATE BINARY ASC`
	args := []any{}
	if tenantID != "" {
		query = `SELECT DISTINCT stream FROM wal_entries WHERE tenant_id = ? ORDER BY stream COLLATE BINARY ASC`
		args = append(args, tenantID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	partitions := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	return partitions, nil
}

// PruneWAL deletes every entry whose day is strictly before the given day.
// This is the retention path; normal operation never deletes WAL entries.
func (s *Store) PruneWAL(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM wal_entries WHERE day < ?
	`, model.Day(before).Format(model.DateLayout))
	if err != nil {
		return 0, fmt.Errorf("prune wal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune wal: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) queryWAL(ctx context.Context, op, query string, args ...any) ([]model.WALEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	entries := []model.WALEntry{}
	for rows.Next() {
		entry, err := scanWALEntry(rows)
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

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWALEntry(row rowScanner) (model.WALEntry, error) {
	var (
		entry     model.WALEntry
		eventType string
		ts        int64
		idemKey   sql.NullString
	)
	if err := row.Scan(
		&entry.EventID, &entry.Partition, &entry.TenantID, &entry.Seq,
		&eventType, &ts, &entry.ExecutionID, &idemKey, &entry.Payload,
	); err != nil {
		return model.WALEntry{}, err
	}
	entry.EventType = model.EventType(eventType)
	entry.Timestamp = fromNanos(ts)
	entry.IdempotencyKey = idemKey.String
	return entry, nil
}
