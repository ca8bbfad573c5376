// Package slots implements the execution-slot pool: a fixed number of
// slots per agent label, handed out first come, first served.
package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownLabel is returned for a label with no configured capacity.
var ErrUnknownLabel = errors.New("unknown agent label")

type waiter struct {
	ready   chan struct{}
	granted bool
}

type label struct {
	capacity int
	inUse    int
	queue    []*waiter
}

// Pool is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	labels map[string]*label

	// OnWait, when set, is called with the time each acquisition spent
	// queued.
	OnWait func(label string, waited time.Duration)
}

// NewPool returns a pool with the given per-label capacities. Labels
// with a capacity below one are ignored.
func NewPool(capacities map[string]int) *Pool {
	p := &Pool{labels: make(map[string]*label, len(capacities))}
	for name, c := range capacities {
		if c > 0 {
			p.labels[name] = &label{capacity: c}
		}
	}
	return p
}

// Has reports whether name is a configured label.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.labels[name]
	return ok
}

// Slot is a held execution slot.
type Slot struct {
	pool  *Pool
	label string
	once  sync.Once
}

// Label returns the label the slot belongs to.
func (s *Slot) Label() string { return s.label }

// Release returns the slot to the pool. Extra calls are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() { s.pool.release(s.label) })
}

// Acquire blocks until a slot for name is free or ctx is done. Waiters
// are served in arrival order.
func (p *Pool) Acquire(ctx context.Context, name string) (*Slot, error) {
	start := time.Now()
	p.mu.Lock()
	l, ok := p.labels[name]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownLabel)
	}
	if l.inUse < l.capacity && len(l.queue) == 0 {
		l.inUse++
		p.mu.Unlock()
		p.observe(name, start)
		return &Slot{pool: p, label: name}, nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		p.observe(name, start)
		return &Slot{pool: p, label: name}, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.granted {
			// Lost the race: the slot was handed over as ctx ended.
			p.mu.Unlock()
			p.release(name)
			return nil, context.Cause(ctx)
		}
		for i, q := range l.queue {
			if q == w {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil, context.Cause(ctx)
	}
}

func (p *Pool) observe(name string, start time.Time) {
	if p.OnWait != nil {
		p.OnWait(name, time.Since(start))
	}
}

// release hands the slot to the oldest waiter, or frees it.
func (p *Pool) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.labels[name]
	if len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		w.granted = true
		close(w.ready)
		return
	}
	l.inUse--
}

// Stats reports the slots in use and the queue length of a label.
func (p *Pool) Stats(name string) (inUse, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.labels[name]; ok {
		return l.inUse, len(l.queue)
	}
	return 0, 0
}
