// Package workerpool runs asynchronous operations on a bounded set of workers.
//
// Every public coordination and deployment operation is submitted here and
// handed back to the caller as a Future. The pool never grows: at most Size
// tasks run at once, at most QueueSize more wait for a slot, and anything
// beyond that is rejected with ErrPoolFull.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolFull is returned by TrySubmit when every worker is busy and the
	// wait queue is at capacity.
	ErrPoolFull = errors.New("worker pool is full")

	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Pool is a semaphore-bounded goroutine pool.
type Pool struct {
	size      int64
	queueSize int64
	sem       *semaphore.Weighted

	running atomic.Int64
	pending atomic.Int64 // admitted but not finished (running + queued)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool with size workers and room for queueSize waiting tasks.
func New(size, queueSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		size:      int64(size),
		queueSize: int64(queueSize),
		sem:       semaphore.NewWeighted(int64(size)),
	}
}

// Size is the number of workers.
func (p *Pool) Size() int { return int(p.size) }

// Running is the number of tasks currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Queued is the number of admitted tasks waiting for a worker.
func (p *Pool) Queued() int {
	q := p.pending.Load() - p.running.Load()
	if q < 0 {
		return 0
	}
	return int(q)
}

// admit reserves a pending slot, or reports the pool full.
func (p *Pool) admit() bool {
	limit := p.size + p.queueSize
	for {
		cur := p.pending.Load()
		if cur >= limit {
			return false
		}
		if p.pending.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// TrySubmit schedules fn without blocking the caller. The task context keeps
// ctx's values (trace spans, loggers) but not its cancellation, so a task
// outlives the request that started it.
func TrySubmit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (*Future[T], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if !p.admit() {
		return nil, ErrPoolFull
	}

	f := newFuture[T]()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)
		// Background acquire: an admitted task always runs.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		run(context.WithoutCancel(ctx), p, f, fn)
	}()
	return f, nil
}

// Submit waits until a worker is free or ctx is done, then schedules fn.
// Only the wait is bounded by ctx; the task itself runs detached from it.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (*Future[T], error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	p.pending.Add(1)
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.pending.Add(-1)
		p.wg.Done()
		return nil, fmt.Errorf("wait for worker: %w", err)
	}

	f := newFuture[T]()
	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)
		defer p.sem.Release(1)
		run(context.WithoutCancel(ctx), p, f, fn)
	}()
	return f, nil
}

func run[T any](ctx context.Context, p *Pool, f *Future[T], fn func(context.Context) (T, error)) {
	p.running.Add(1)
	defer p.running.Add(-1)

	var (
		val T
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("💥 Worker task panicked")
			var zero T
			f.resolve(zero, &models.ExecutionError{Op: "task", Err: fmt.Errorf("panic: %v", r)})
			return
		}
		f.resolve(val, err)
	}()
	val, err = fn(ctx)
}

// Close stops admitting tasks and waits for admitted ones to finish, or for
// ctx to be done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
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
