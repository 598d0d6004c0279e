// Package permit provides a counting semaphore whose size can change while
// permits are held.
package permit

import (
	"container/list"
	"context"
	"sync"
)

// Pool is a resizable counting semaphore. The zero value is not usable; use New.
type Pool struct {
	mu      sync.Mutex
	level   int
	held    int
	waiters list.List // of chan struct{}
}

// New returns a Pool allowing level concurrent holders.
func New(level int) *Pool {
	if level < 0 {
		level = 0
	}
	return &Pool{level: level}
}

// Acquire blocks until a permit is available or ctx is done.
// On cancellation it returns ctx.Err() and holds no permit.
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.held < p.level && p.waiters.Len() == 0 {
		p.held++
		p.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := p.waiters.PushBack(ready)
	p.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-ready:
			// granted concurrently with cancellation; hand it back
			p.held--
			p.notify()
		default:
			p.waiters.Remove(elem)
			// removing the head may let the next waiter through
			p.notify()
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking and reports whether it succeeded.
func (p *Pool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held < p.level && p.waiters.Len() == 0 {
		p.held++
		return true
	}
	return false
}

// Release returns a permit obtained from Acquire or TryAcquire.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held <= 0 {
		panic("permit: released more permits than held")
	}
	p.held--
	p.notify()
}

// Resize changes the number of permits. Growing wakes waiters immediately.
// Shrinking never revokes held permits; new acquisitions block until enough
// held permits have been released to fall below the new level.
func (p *Pool) Resize(level int) {
	if level < 0 {
		level = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
	p.notify()
}

// Level returns the current number of permits.
func (p *Pool) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// InUse returns the number of permits currently held.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// notify grants permits to waiters in FIFO order. p.mu must be held.
func (p *Pool) notify() {
	for p.held < p.level {
		front := p.waiters.Front()
		if front == nil {
			return
		}
		p.held++
		close(front.Value.(chan struct{}))
		p.waiters.Remove(front)
	}
}
