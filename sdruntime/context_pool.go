package sdruntime

import (
	"context"
	"sync"
)

// Slot is a permit to run one sd process. Slots are created lazily up to
// the pool size and reused; ID is stable for the slot's lifetime and is
// used to name its scratch files.
type Slot struct {
	ID   int
	Runs int64
}

// ContextPool bounds concurrent sd processes.
type ContextPool struct {
	mu      sync.Mutex
	slots   chan *Slot
	maxSize int
	closed  bool
	created int
	nextID  int
	// done is closed by Close to wake blocked Acquire calls.
	done chan struct{}
}

func NewContextPool(maxSize int) (*ContextPool, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidParams
	}
	return &ContextPool{
		slots:   make(chan *Slot, maxSize),
		maxSize: maxSize,
		nextID:  1,
		done:    make(chan struct{}),
	}, nil
}

// Acquire returns an idle slot, creates one while under capacity, or waits.
// It fails with ErrAcquireTimeout when ctx ends first.
func (p *ContextPool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrContextPoolClosed
	}
	select {
	case s := <-p.slots:
		p.mu.Unlock()
		return s, nil
	default:
	}
	if p.created < p.maxSize {
		s := &Slot{ID: p.nextID}
		p.nextID++
		p.created++
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	select {
	case s := <-p.slots:
		return s, nil
	case <-p.done:
		return nil, ErrContextPoolClosed
	case <-ctx.Done():
		return nil, ErrAcquireTimeout
	}
}

// Release hands s back. Releasing nil is a no-op; slots released after
// Close are dropped.
func (p *ContextPool) Release(s *Slot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.created--
		return
	}
	select {
	case p.slots <- s:
	default:
		p.created--
	}
}

// Close wakes waiters and rejects further Acquire calls. Slots in use are
// unaffected until released. Safe to call more than once.
func (p *ContextPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case <-p.slots:
			p.created--
		default:
			return nil
		}
	}
}

// Size is the number of idle slots.
func (p *ContextPool) Size() int { return len(p.slots) }

// Created counts idle plus in-use slots.
func (p *ContextPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *ContextPool) MaxSize() int { return p.maxSize }

func (p *ContextPool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
