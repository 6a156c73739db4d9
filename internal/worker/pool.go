// Package worker runs background verification on a bounded pool.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of background work. ctx is cancelled when the pool is
// forced down.
type Task func(ctx context.Context)

// Gate blocks until a task may start. It runs before the task claims a
// slot, so a task waiting on other tasks never holds capacity they need.
type Gate func(ctx context.Context) error

// Executor schedules tasks.
type Executor interface {
	Submit(task Task) (*Handle, error)
	// SubmitAfter runs task once gate returns nil. If gate fails the task
	// is dropped and the handle is still closed.
	SubmitAfter(gate Gate, task Task) (*Handle, error)
}

// Handle tracks a submitted task.
type Handle struct {
	done chan struct{}
}

func newHandle() *Handle { return &Handle{done: make(chan struct{})} }

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of pool load.
type Stats struct {
	Size    int   `json:"size"`
	Running int64 `json:"running"`
	Queued  int64 `json:"queued"`
}

// Pool runs at most Size tasks at once. Excess tasks wait for a slot; they
// are never dropped.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	running atomic.Int64
	queued  atomic.Int64
}

var _ Executor = (*Pool)(nil)

// NewPool creates a pool. size <= 0 means one worker per CPU.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit queues task and returns immediately.
func (p *Pool) Submit(task Task) (*Handle, error) {
	return p.SubmitAfter(nil, task)
}

// SubmitAfter queues task behind gate. Gated tasks count as queued.
func (p *Pool) SubmitAfter(gate Gate, task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	h := newHandle()
	p.wg.Add(1)
	p.queued.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(h.done)

		if gate != nil {
			if err := gate(p.ctx); err != nil {
				p.queued.Add(-1)
				return
			}
		}
		err := p.sem.Acquire(p.ctx, 1)
		p.queued.Add(-1)
		if err != nil {
			return
		}
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)
		p.run(task)
	}()
	return h, nil
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r)
		}
	}()
	task(p.ctx)
}

// Stats reports current load.
func (p *Pool) Stats() Stats {
	return Stats{Size: p.size, Running: p.running.Load(), Queued: p.queued.Load()}
}

// Close stops accepting work and waits for queued and running tasks. If
// ctx ends first, tasks still waiting for a slot are abandoned and running
// ones see their context cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		return ctx.Err()
	}
}

// Inline runs tasks synchronously on the caller's goroutine.
type Inline struct{}

var _ Executor = Inline{}

// Submit runs task before returning.
func (Inline) Submit(task Task) (*Handle, error) {
	return Inline{}.SubmitAfter(nil, task)
}

// SubmitAfter runs gate and then task before returning.
func (Inline) SubmitAfter(gate Gate, task Task) (*Handle, error) {
	h := newHandle()
	defer close(h.done)
	ctx := context.Background()
	if gate != nil {
		if err := gate(ctx); err != nil {
			return h, nil
		}
	}
	task(ctx)
	return h, nil
}
