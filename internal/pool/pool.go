package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrExhausted = errors.New("pool exhausted")
	ErrClosed    = errors.New("pool closed")
)

// Pool is a fixed-capacity set of interchangeable resources. Callers lease one
// resource at a time and must release it; a pool never hands out more than
// Size leases at once.
//
// Wait bounds how long Acquire suspends when every resource is leased:
// zero fails immediately, a negative value waits for the caller's context.
type Pool[T any] struct {
	items  chan T
	size   int
	wait   time.Duration
	inUse  atomic.Int64
	peak   atomic.Int64
	closed chan struct{}

	once     sync.Once
	closeErr error
}

type Stats struct {
	Size  int `json:"size"`
	InUse int `json:"in_use"`
	Peak  int `json:"peak"`
}

func New[T any](items []T, wait time.Duration) *Pool[T] {
	p := &Pool[T]{items: make(chan T, len(items)), size: len(items), wait: wait, closed: make(chan struct{})}
	for _, it := range items {
		p.items <- it
	}
	return p
}

func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case it := <-p.items:
		return p.lease(it), nil
	default:
	}
	if p.wait == 0 {
		return nil, ErrExhausted
	}

	var timeout <-chan time.Time
	if p.wait > 0 {
		t := time.NewTimer(p.wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case it := <-p.items:
		return p.lease(it), nil
	case <-timeout:
		return nil, ErrExhausted
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool[T]) lease(it T) *Lease[T] {
	n := p.inUse.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return &Lease[T]{pool: p, value: it}
}

func (p *Pool[T]) put(it T) {
	p.inUse.Add(-1)
	p.items <- it
}

func (p *Pool[T]) Stats() Stats {
	return Stats{Size: p.size, InUse: int(p.inUse.Load()), Peak: int(p.peak.Load())}
}

// Close stops new acquisitions, waits for outstanding leases to come back
// (or ctx to end) and hands every resource to closeFn. Later calls return the
// first result.
func (p *Pool[T]) Close(ctx context.Context, closeFn func(T) error) error {
	p.once.Do(func() {
		close(p.closed)
		p.closeErr = p.drain(ctx, closeFn)
	})
	return p.closeErr
}

func (p *Pool[T]) drain(ctx context.Context, closeFn func(T) error) error {
	var errs []error
	for i := 0; i < p.size; i++ {
		select {
		case it := <-p.items:
			if closeFn != nil {
				if err := closeFn(it); err != nil {
					errs = append(errs, err)
				}
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// Lease is one borrowed resource. Release is safe to call more than once;
// only the first call returns the resource.
type Lease[T any] struct {
	pool  *Pool[T]
	value T
	once  sync.Once
}

func (l *Lease[T]) Value() T { return l.value }

// Replace swaps the leased resource, e.g. after reopening a broken one. The
// replacement is what Release returns to the pool.
func (l *Lease[T]) Replace(v T) { l.value = v }

func (l *Lease[T]) Release() {
	l.once.Do(func() { l.pool.put(l.value) })
}
