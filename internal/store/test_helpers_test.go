package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// baseTime is the fixed instant tests build records around.
var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry builds a WAL entry for the tenant's partition of ts.
func createTestEntry(id, tenant, executionID string, eventType model.EventType, ts time.Time) model.WALEntry {
	return model.WALEntry{
		EventID:     id,
		EventType:   eventType,
		TenantID:    tenant,
		Timestamp:   ts,
		Payload:     `{"execution_id":"` + executionID + `"}`,
		Partition:   model.PartitionName(tenant, ts),
		ExecutionID: executionID,
	}
}

// createTestExecution builds a pending execution.
func createTestExecution(id, tenant, intentID string) model.Execution {
	return model.Execution{
		ID:         id,
		IntentID:   intentID,
		IntentType: "content.upload",
		TenantID:   tenant,
		SessionID:  "s1",
		SagaID:     "saga-" + id,
		Status:     model.StatusPending,
		Artifacts:  map[string]model.ArtifactRef{},
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
}

// mustCreateExecution inserts exec and fails the test on error.
func mustCreateExecution(t *testing.T, s *Store, exec model.Execution) model.Execution {
	t.Helper()
	created, err := s.CreateExecution(context.Background(), exec)
	if err != nil {
		t.Fatalf("CreateExecution() failed: %v", err)
	}
	return created
}

// advance walks an execution along the given statuses, persisting each step.
func advance(t *testing.T, s *Store, exec model.Execution, statuses ...model.Status) model.Execution {
	t.Helper()
	for _, st := range statuses {
		if err := exec.Transition(st, exec.UpdatedAt.Add(time.Second)); err != nil {
			t.Fatalf("Transition(%s) failed: %v", st, err)
		}
		updated, err := s.UpdateExecution(context.Background(), exec)
		if err != nil {
			t.Fatalf("UpdateExecution(%s) failed: %v", st, err)
		}
		exec = updated
	}
	return exec
}
