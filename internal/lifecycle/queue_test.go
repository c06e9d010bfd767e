package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_FIFO(t *testing.T) {
	q := newJobQueue()
	require.True(t, q.enqueue(job{tenantID: "t1", executionID: "e-1"}))
	require.True(t, q.enqueue(job{tenantID: "t1", executionID: "e-2"}))

	j, ok := q.tryDequeue()
	require.True(t, ok)
	assert.Equal(t, "e-1", j.executionID)
	j, ok = q.tryDequeue()
	require.True(t, ok)
	assert.Equal(t, "e-2", j.executionID)

	_, ok = q.tryDequeue()
	assert.False(t, ok)
}

func TestJobQueue_WaitingExecutionIsQueuedOnce(t *testing.T) {
	q := newJobQueue()
	require.True(t, q.enqueue(job{tenantID: "t1", executionID: "e-1"}))
	require.True(t, q.enqueue(job{tenantID: "t1", executionID: "e-1"}), "a second recovery pass is accepted")

	_, ok := q.tryDequeue()
	require.True(t, ok)
	_, ok = q.tryDequeue()
	assert.False(t, ok, "the execution runs once")

	require.True(t, q.enqueue(job{tenantID: "t1", executionID: "e-1"}))
	_, ok = q.tryDequeue()
	assert.True(t, ok, "a dequeued execution may be queued again")
}
