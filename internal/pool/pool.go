// Package pool runs blocking native calls on a bounded set of workers, away
// from the goroutines serving HTTP requests.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Config sizes the pool.
type Config struct {
	// Workers is the number of calls allowed to run at once.
	Workers int
	// QueueSize is how many callers may wait for a worker before new
	// submissions are rejected with ErrPoolFull.
	QueueSize int
	// PanicHandler receives the value of a recovered panic.
	PanicHandler func(any)
}

// Pool admits at most Workers running and QueueSize waiting tasks.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int64
	onPanic  func(any)

	pending  atomic.Int64
	active   atomic.Int64
	rejected atomic.Int64

	// mu orders wg.Add in Go against wg.Wait in Close
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool. Workers below one is treated as one.
func New(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		capacity: int64(cfg.Workers + cfg.QueueSize),
		onPanic:  cfg.PanicHandler,
	}
}

// Go waits for a free worker and starts fn on it. The returned channel is
// closed once fn has returned. ctx only bounds the wait: after fn has
// started it always runs to completion, even if ctx is cancelled.
func (p *Pool) Go(ctx context.Context, fn func()) (<-chan struct{}, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if p.pending.Add(1) > p.capacity {
		p.pending.Add(-1)
		p.rejected.Add(1)
		p.wg.Done()
		return nil, ErrPoolFull
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.pending.Add(-1)
		p.wg.Done()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		// done closes after the slot is released and before Close may return
		defer p.wg.Done()
		defer close(done)
		defer p.pending.Add(-1)
		defer p.sem.Release(1)
		p.active.Add(1)
		defer p.active.Add(-1)
		p.run(fn)
	}()
	return done, nil
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	fn()
}

// Close rejects new work and waits for admitted tasks, including those
// still waiting for a worker, to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Active   int64
	Waiting  int64
	Rejected int64
}

func (p *Pool) Stats() Stats {
	active := p.active.Load()
	waiting := p.pending.Load() - active
	if waiting < 0 {
		waiting = 0
	}
	return Stats{
		Active:   active,
		Waiting:  waiting,
		Rejected: p.rejected.Load(),
	}
}
