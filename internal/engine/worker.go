package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("evaluation pool is shut down")

// PoolMetrics is a snapshot of pool activity. Node outcomes are classified by
// the executor; the pool only counts what it ran and what escaped as a panic
// past the executor's own recovery.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// EvalPool bounds the number of node evaluations running at once. A slot is
// held for the full duration of the submitted function.
type EvalPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewEvalPool creates a pool running at most size evaluations concurrently.
func NewEvalPool(size int) *EvalPool {
	if size <= 0 {
		size = 1
	}
	return &EvalPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit schedules fn on the pool. It blocks while the pool is at capacity
// and honors context cancellation while waiting for a slot. Once Submit
// returns nil the function is guaranteed to run and be counted by Wait.
func (p *EvalPool) Submit(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check after acquiring the slot in case Shutdown raced the acquire.
	// wg.Add must happen under the lock or Shutdown's wg.Wait can miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		fn()
		p.completed.Add(1)
	}()

	return nil
}

// Wait blocks until every submitted evaluation has finished.
func (p *EvalPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight evaluations.
func (p *EvalPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *EvalPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
