package syncutil

import (
	"sync"

	"github.com/ValentinKolb/dDir/lib/errs"
)

const defaultStackCapacity = 16

// TSStack is a mutex protected, slice backed LIFO stack. The backing array
// doubles its capacity when full. Popped values are moved out of the stack.
type TSStack[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewTSStack creates a stack with the given initial capacity (0 selects a default)
func NewTSStack[T any](capacity int) (*TSStack[T], error) {
	if capacity < 0 {
		return nil, errs.Newf(errs.RetCInvalidParameter, "negative stack capacity %d", capacity)
	}
	if capacity == 0 {
		capacity = defaultStackCapacity
	}
	return &TSStack[T]{items: make([]T, 0, capacity)}, nil
}

// Push puts value on top of the stack
func (s *TSStack[T]) Push(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == cap(s.items) {
		grown := make([]T, len(s.items), 2*cap(s.items)+1)
		copy(grown, s.items)
		s.items = grown
	}
	s.items = append(s.items, value)
}

// Pop removes the top value. ok is false if the stack is empty.
func (s *TSStack[T]) Pop() (value T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	if n == 0 {
		return value, false
	}
	value = s.items[n-1]
	var zero T
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return value, true
}

// Size returns the number of values on the stack
func (s *TSStack[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Cap returns the current capacity of the backing array
func (s *TSStack[T]) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cap(s.items)
}
