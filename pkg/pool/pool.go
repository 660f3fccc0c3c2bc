package pool

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Pool runs server-side handler and decorator tasks on a bounded set of
// workers.
type Pool struct {
	workers *ants.Pool
}

// New creates a pool with the given number of workers. size <= 0 selects
// a default of 64 workers.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = 64
	}
	workers, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &Pool{workers: workers}, nil
}

// Submit schedules task for execution. It blocks only when every worker
// is busy and the submission queue is full.
func (p *Pool) Submit(task func()) error {
	return p.workers.Submit(task)
}

// Run schedules task and blocks until it has completed.
func (p *Pool) Run(task func()) error {
	done := make(chan struct{})
	err := p.workers.Submit(func() {
		defer close(done)
		task()
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Release tears down the workers. Pending tasks are drained first.
func (p *Pool) Release() {
	p.workers.Release()
}

// Barrier counts in-flight deferred writes and lets a flusher wait for
// all of them to drain. Enter/Exit bracket each deferred task; Flush
// returns once the counter has reached zero.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending uint64
}

// NewBarrier creates an empty barrier.
func NewBarrier() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enter registers one in-flight task.
func (b *Barrier) Enter() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

// Exit marks one in-flight task as done, waking flushers when the
// counter reaches zero.
func (b *Barrier) Exit() {
	b.mu.Lock()
	b.pending--
	notify := b.pending == 0
	b.mu.Unlock()
	if notify {
		b.cond.Broadcast()
	}
}

// Flush blocks until no task is in flight.
func (b *Barrier) Flush() {
	b.mu.Lock()
	for b.pending != 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Pending returns the current in-flight count.
func (b *Barrier) Pending() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}
