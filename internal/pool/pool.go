// Package pool provides a bounded goroutine pool for background dispatch.
// All fire-and-forget work in the engine runs through it so that panics are
// contained and concurrency stays bounded.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool queue is full")
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of workers with a bounded queue.
type Pool struct {
	// mu serializes Shutdown's close of the task channel against in-flight
	// Submits; a send racing the close would panic otherwise.
	mu     sync.RWMutex
	tasks  chan Task
	wg     sync.WaitGroup
	closed atomic.Bool
	logger *zap.Logger

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
}

// New creates a Pool with the given worker count and queue size and starts
// its workers immediately.
func New(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		logger: logger.With(zap.String("component", "pool")),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task for background execution. It never blocks: when
// the queue is full the task is rejected and the caller decides what to do.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("background task panicked", zap.Any("panic", r))
		}
	}()
	task(context.Background())
	p.completed.Add(1)
}

// Shutdown stops accepting tasks and waits for in-flight work to finish or
// the context to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports lifetime counters.
func (p *Pool) Stats() (submitted, completed, panicked, rejected int64) {
	return p.submitted.Load(), p.completed.Load(), p.panicked.Load(), p.rejected.Load()
}
