package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrDispatcherClosed is returned when submitting after shutdown.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs admitted executions on a fixed number of workers.
//
// Each execution runs start to finish on one worker, so its stages are
// sequential; distinct executions run in parallel.
type Dispatcher struct {
	queue   *jobQueue
	workers int
	handle  func(ctx context.Context, j job)
	logger  *slog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

func newDispatcher(workers int, logger *slog.Logger, handle func(ctx context.Context, j job)) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:   newJobQueue(),
		workers: workers,
		handle:  handle,
		logger:  logger,
	}
}

// Start launches the workers. Workers stop when ctx is cancelled or after
// Stop once the queue is drained. Calling Start twice has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.logger.Info("dispatcher starting", "workers", d.workers)
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work(ctx)
		}
	})
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		if j, ok := d.queue.tryDequeue(); ok {
			d.handle(ctx, j)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-d.queue.wait():
			if d.queue.isClosed() && d.queue.len() == 0 {
				return
			}
		}
	}
}

func (d *Dispatcher) enqueue(j job) error {
	if !d.queue.enqueue(j) {
		return ErrDispatcherClosed
	}
	return nil
}

// Pending returns the number of executions waiting for a worker.
func (d *Dispatcher) Pending() int {
	return d.queue.len()
}

// Stop closes admission and waits for the workers to finish the queued
// executions, or for ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.queue.close()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
