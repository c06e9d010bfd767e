package lifecycle

import "sync"

// job identifies an admitted execution awaiting stages 3 to 7.
type job struct {
	tenantID    string
	executionID string
}

// jobQueue is a thread-safe FIFO of admitted executions.
//
// The queue is unbounded so that admission never blocks on workers; the
// executions are already durable, and the worker count bounds concurrency.
// A buffered signal channel of size one lets waiting workers select on it
// together with their context.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []job
	queued map[string]struct{}
	closed bool
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]job, 0, 64),
		queued: make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends j unless the same execution is already waiting. Returns
// false if the queue is closed.
func (q *jobQueue) enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, ok := q.queued[j.executionID]; ok {
		return true
	}
	q.queued[j.executionID] = struct{}{}
	q.jobs = append(q.jobs, j)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue removes the front job without blocking.
func (q *jobQueue) tryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	delete(q.queued, j.executionID)
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	// Another worker may be waiting for the rest.
	if len(q.jobs) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return j, true
}

// wait signals that jobs may be available. It is closed by close.
func (q *jobQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *jobQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close stops admission and wakes every waiter.
func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
