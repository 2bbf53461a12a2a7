package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the number of concurrent blocking operations allowed.
const DefaultPoolSize = 16

// Pool bounds the number of blocking operations running at once.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewPool creates a pool running at most size operations concurrently.
// A non-positive size selects DefaultPoolSize.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger,
	}
}

// Size returns the configured concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// Go runs fn on a worker once a slot is free. It blocks only while waiting
// for a slot and returns ctx.Err() if ctx ends first, in which case fn is
// never called.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panicked", "panic", fmt.Sprint(r))
			}
			p.inFlight.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// InFlight returns the number of workers currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Wait blocks until every started worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch runs work on pool and delivers the result to done on loop.
// It never blocks the caller, so it is safe to call from a loop task.
//
// If the loop has been stopped by the time work finishes, done is skipped and
// drop (when non-nil) receives the result on the worker goroutine so the
// caller can release it. If no worker slot can be acquired before ctx ends,
// done receives the zero value and ctx.Err() on the loop.
func Dispatch[T any](ctx context.Context, pool *Pool, loop *Loop, work func(context.Context) (T, error), done func(T, error), drop func(T)) {
	go func() {
		err := pool.Go(ctx, func(ctx context.Context) {
			result, err := work(ctx)
			if !loop.Post(func() { done(result, err) }) && drop != nil {
				drop(result)
			}
		})
		if err != nil {
			var zero T
			loop.Post(func() { done(zero, err) })
		}
	}()
}
