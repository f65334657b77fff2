package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds how many firings of one kind run at once.
type workerPool struct {
	size int64
	sem  *semaphore.Weighted
	busy atomic.Int64
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Acquire blocks until a worker is free or ctx is done.
func (p *workerPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.busy.Add(1)
	return nil
}

// TryAcquire takes a worker only if one is free right now.
func (p *workerPool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.busy.Add(1)
	return true
}

// Release returns a worker taken by Acquire or TryAcquire.
func (p *workerPool) Release() {
	p.busy.Add(-1)
	p.sem.Release(1)
}

// Available returns the number of idle workers.
func (p *workerPool) Available() int {
	return int(p.size - p.busy.Load())
}
