// Package workers provides the bounded pool the orchestrator fans
// strategy evaluation out on.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task func()

// Pool is a fixed-size worker pool with a bounded queue. Submission
// blocks until a worker frees up or the context cancels; strategy
// work must never be silently dropped mid-cycle.
type Pool struct {
	logger *zap.Logger
	tasks  chan Task
	wg     sync.WaitGroup

	completed atomic.Int64
	panics    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(logger *zap.Logger, size, queue int) *Pool {
	if size <= 0 {
		size = 4
	}
	if queue <= 0 {
		queue = size * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger.Named("workers"),
		tasks:  make(chan Task, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("worker task panic", zap.Any("panic", r))
		}
	}()
	task()
	p.completed.Add(1)
}

// Submit enqueues a task, blocking until there is room or ctx ends.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Join runs the given tasks across the pool and waits for all of them
// or the deadline, whichever comes first. It reports whether every
// task finished in time.
func (p *Pool) Join(ctx context.Context, tasks []Task, deadline time.Duration) bool {
	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		wrapped := func() {
			defer wg.Done()
			task()
		}
		if err := p.Submit(ctx, wrapped); err != nil {
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	case <-ctx.Done():
		return false
	}
}

// Completed reports how many tasks have finished since start.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Stop cancels workers; queued tasks that never started are dropped.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
