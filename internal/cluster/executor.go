package cluster

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolFull is returned by Executor.Submit when no worker slot is free.
var ErrPoolFull = errors.New("cluster: executor pool full")

// Executor runs agent tasks. Submit must not block waiting for capacity.
type Executor interface {
	Submit(task func()) error
}

// PoolExecutor runs each task on its own goroutine, bounded by a semaphore.
type PoolExecutor struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPoolExecutor returns an executor running at most size tasks at once.
func NewPoolExecutor(size int) *PoolExecutor {
	if size <= 0 {
		size = 1
	}
	return &PoolExecutor{sem: semaphore.NewWeighted(int64(size))}
}

// Submit starts task if a slot is free, else returns ErrPoolFull.
func (p *PoolExecutor) Submit(task func()) error {
	if !p.sem.TryAcquire(1) {
		return ErrPoolFull
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		task()
	}()
	return nil
}

// Wait blocks until all submitted tasks finish or ctx is done.
func (p *PoolExecutor) Wait(ctx context.Context) error {
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
