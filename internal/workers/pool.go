// Package workers runs request handlers on a fixed set of goroutines that all
// pull from one shared queue. A handler keeps its worker for its whole
// duration, bulk transfers included, so the worker count bounds the number of
// requests in flight.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrStopped = errors.New("dstore: worker pool stopped")

type task struct {
	fn   func() error
	errc chan error
}

type Pool struct {
	queue chan task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	busy atomic.Int32
	done atomic.Int64
}

func New(numWorkers, queueCap int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueCap < 0 {
		queueCap = 0
	}
	p := &Pool{queue: make(chan task, queueCap)}
	for range numWorkers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.busy.Add(1)
		t.errc <- t.fn()
		p.busy.Add(-1)
		p.done.Add(1)
	}
}

// Do queues fn and waits for a worker to run it, returning fn's error. ctx only
// bounds the wait for a queue slot: once fn is queued it always runs to
// completion.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, errc: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrStopped
	}
	select {
	case p.queue <- t:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	return <-t.errc
}

// Stop refuses new work; already queued work still runs. Wait blocks until
// the workers have drained the queue and exited.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.queue)
}

func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) Busy() int      { return int(p.busy.Load()) }
func (p *Pool) NumDone() int64 { return p.done.Load() }
func (p *Pool) QueueLen() int  { return len(p.queue) }
