// Package schedule provides the bounded job queue and worker pool that
// decouples mail polling from processing.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = fmt.Errorf("job pool is shut down")

// Pool is a fixed set of workers draining a bounded FIFO queue. Enqueue
// blocks while the queue is full, which is the backpressure that throttles
// the producer. A panicking job is logged and dropped, never retried; the
// worker survives.
type Pool[J any] struct {
	jobs    chan J
	handler func(context.Context, J)
	logger  *slog.Logger
	workers int

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	// onDone observes job completions for metrics: status is "ok" or
	// "panic".
	onDone func(status string)
}

// NewPool creates a pool of workers over a queue of queueSize jobs.
func NewPool[J any](workers, queueSize int, handler func(context.Context, J), logger *slog.Logger) *Pool[J] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool[J]{
		jobs:    make(chan J, queueSize),
		handler: handler,
		logger:  logger,
		workers: workers,
	}
}

// SetOnDone installs a completion hook.
func (p *Pool[J]) SetOnDone(fn func(status string)) {
	p.onDone = fn
}

// Start launches the workers. ctx is passed to every job handler; its
// cancellation is the soft stop signal handlers should honor.
func (p *Pool[J]) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

func (p *Pool[J]) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(ctx, id, job)
	}
}

func (p *Pool[J]) run(ctx context.Context, id int, job J) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job_panic",
				slog.Int("worker", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if p.onDone != nil {
				p.onDone("panic")
			}
		}
	}()
	p.handler(ctx, job)
	if p.onDone != nil {
		p.onDone("ok")
	}
}

// Enqueue adds a job, blocking while the queue is full. It fails only when
// the pool is shut down or ctx is canceled while waiting.
func (p *Pool[J]) Enqueue(ctx context.Context, job J) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of queued (not yet running) jobs.
func (p *Pool[J]) Depth() int {
	return len(p.jobs)
}

// Shutdown stops accepting jobs and waits up to timeout for queued and
// in-flight jobs to drain. Producers must have stopped (or be cancelable
// via their Enqueue context) before calling. Returns false if the deadline
// passed with jobs still running.
func (p *Pool[J]) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.logger.Warn("job_pool_drain_timeout", slog.Duration("timeout", timeout))
		return false
	}
}
