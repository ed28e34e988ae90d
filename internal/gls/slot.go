// Package gls provides per-goroutine scoped storage, used to thread the
// runtime's "current scope" and "current effect" pointers through nested
// calls without a context.Context parameter on every public API.
//
// Single-threaded cooperative is the scheduling model this runtime targets,
// but a host may drive independent reactive graphs from independent
// goroutines (one per server session, one per test), so "current" state must
// be keyed by goroutine rather than held in a single package-level variable.
package gls

import (
	"sync"

	"github.com/petermattis/goid"
)

// Slot holds one value of type T per goroutine.
type Slot[T any] struct {
	mu     sync.RWMutex
	values map[int64]T
}

// NewSlot creates an empty per-goroutine slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{values: make(map[int64]T)}
}

// Get returns the value set for the calling goroutine, if any.
func (s *Slot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[goid.Get()]
	return v, ok
}

// Set stores a value for the calling goroutine.
func (s *Slot[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[goid.Get()] = v
}

// Delete clears the calling goroutine's value.
func (s *Slot[T]) Delete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, goid.Get())
}

// With sets v for the current goroutine, runs fn, then restores whatever was
// set before (or clears the slot if nothing was). Restoration happens on all
// exit paths, including panics, so a panicking effect body never leaves a
// stale "current" pointer behind for the next task on this goroutine.
func (s *Slot[T]) With(v T, fn func()) {
	prev, had := s.Get()
	s.Set(v)
	defer func() {
		if had {
			s.Set(prev)
		} else {
			s.Delete()
		}
	}()
	fn()
}
