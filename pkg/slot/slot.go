// package slot provides a single-resolution container that bridges a pushed
// value into a pull-style fetch. A slot settles exactly once; every later
// resolve, reject, or cancel is a silent no-op.
package slot

import (
	"context"
	"errors"
	"sync"
)

var ErrCancelled = errors.New("slot cancelled")

type Slot[T any] struct {
	done chan struct{}
	once sync.Once

	value T
	err   error
}

// New returns a slot along with its resolve and reject functions. Only the
// first call among resolve, reject, and Cancel has any effect.
func New[T any]() (*Slot[T], func(T), func(error)) {
	s := &Slot[T]{done: make(chan struct{})}
	return s, s.resolve, s.reject
}

func (s *Slot[T]) resolve(v T) {
	s.once.Do(func() {
		s.value = v
		close(s.done)
	})
}

func (s *Slot[T]) reject(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Cancel discards the slot. Waiters are released with ErrCancelled and any
// late resolve or reject lands on a settled slot without panicking.
func (s *Slot[T]) Cancel() {
	s.reject(ErrCancelled)
}

// Wait blocks until the slot settles or ctx is done.
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the slot has settled.
func (s *Slot[T]) Done() <-chan struct{} {
	return s.done
}

// Resolved reports whether the slot has settled.
func (s *Slot[T]) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the settled error, if any. Zero until the slot settles.
func (s *Slot[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
