package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Go runs fn on a new goroutine and returns a Promise for its result.
// A ctx that is already done rejects the promise without calling fn.
func Go[V any](ctx context.Context, fn func(context.Context) (V, error)) *Promise[V] {
	p := NewPromise[V]()
	go run(ctx, p, fn)
	return p
}

// Pool bounds the number of load functions running at once.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool that runs at most n loads concurrently (n < 1 means 1).
func NewPool(n int64) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: semaphore.NewWeighted(n)}
}

// GoLimited is Go with admission through p. The goroutine waits for a slot;
// if ctx ends first the promise is rejected with ctx.Err().
func GoLimited[V any](ctx context.Context, p *Pool, fn func(context.Context) (V, error)) *Promise[V] {
	pr := NewPromise[V]()
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			pr.Reject(err)
			return
		}
		defer p.sem.Release(1)
		run(ctx, pr, fn)
	}()
	return pr
}

func run[V any](ctx context.Context, p *Promise[V], fn func(context.Context) (V, error)) {
	if err := ctx.Err(); err != nil {
		p.Reject(err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.Reject(fmt.Errorf("%w: %v", ErrLoadPanic, r))
		}
	}()
	v, err := fn(ctx)
	if err != nil {
		p.Reject(err)
		return
	}
	p.Resolve(v)
}
