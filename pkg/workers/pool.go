// Package workers provides a small bounded pool for asynchronous tier
// writes: archival fan-out and other background work the caller does
// not wait on.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Pool runs submitted functions with bounded concurrency. Submission
// blocks when every worker slot is busy, which naturally backpressures
// producers.
type Pool struct {
	sem    chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given concurrency; zero or negative
// picks a default from the CPU count.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    make(chan struct{}, workers),
		logger: logger,
	}
}

// Submit schedules fn. It blocks while the pool is saturated, honoring
// ctx. Panics inside fn are recovered and logged; a background write
// must never take the node down.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool closed")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker task panicked",
					zap.String("task", name), zap.Any("panic", r))
			}
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Close waits for in-flight tasks and rejects new ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
