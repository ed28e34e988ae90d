package reactive

import (
	"sync"
	"sync/atomic"

	"github.com/corewire/reactor/pkg/scope"
)

// Computed is a cached, lazy, read-only signal derived from other signals
// or computeds. It holds an internal sync Effect (the invalidator) whose
// only job is to flip the dirty flag and schedule the computed's own
// subscribers the instant a dependency writes; recomputation itself is
// deferred to the next Read/Peek.
type Computed[T any] struct {
	sig       *Signal[T]
	computeFn func() T

	dirty atomic.Bool

	invalidator *Effect
	computeMu   sync.Mutex
}

// NewComputed creates a computed value. Its internal invalidator effect is
// disposed when the scope current at creation time disposes; recompute's
// own dependency tracking happens with the active scope overridden to nil
// (see ensureFresh), which is a separate concern from lifecycle ownership.
func NewComputed[T any](computeFn func() T) *Computed[T] {
	c := &Computed[T]{
		computeFn: computeFn,
		sig:       newSignalWithEqual(DefaultScheduler, *new(T), identityEqual[T]),
	}
	c.dirty.Store(true)

	c.invalidator = newEffect(DefaultScheduler, nil, true, func() {
		c.dirty.Store(true)
		c.sig.notify()
	})

	if sc := scope.Current(); sc != nil {
		sc.OnCleanup(c.invalidator.Dispose)
	}
	return c
}

// Read applies the same scope-guarded subscribe rule as Signal.Read against
// the computed's own subscriber set, ensures the cached value is fresh, and
// returns it.
func (c *Computed[T]) Read() T {
	eff := CurrentEffect()
	subscribe := shouldSubscribe(eff)
	c.ensureFresh()
	if subscribe {
		c.sig.subscribeEffect(eff)
	}
	return c.sig.Peek()
}

// Peek ensures the cached value is fresh (recomputing if dirty) but does
// not subscribe the calling effect.
func (c *Computed[T]) Peek() T {
	c.ensureFresh()
	return c.sig.Peek()
}

// Write always fails: computeds are derived and read-only.
func (c *Computed[T]) Write(T) error {
	return ErrReadOnlyComputed
}

// Update always fails: computeds are derived and read-only.
func (c *Computed[T]) Update(func(T) T) error {
	return ErrReadOnlyComputed
}

// On registers a manual subscriber against the computed's own subscriber
// set; it observes the value as of the last completed recompute; if it
// fires between invalidation and the next Read/Peek, it sees the
// not-yet-refreshed cached value. Recompute stays deferred to read.
func (c *Computed[T]) On(cb func(T)) (unsubscribe func()) {
	return c.sig.On(cb)
}

// ensureFresh recomputes the cached value if dirty. The invalidator is
// bound as the active effect and the active scope is overridden to nil for
// the duration of compute_fn, so a computed's dependency edges belong to
// the computed itself, independent of whatever scope is reading it.
func (c *Computed[T]) ensureFresh() {
	if !c.dirty.Load() {
		return
	}
	c.computeMu.Lock()
	defer c.computeMu.Unlock()
	if !c.dirty.Load() {
		return
	}

	c.invalidator.teardownDeps()

	var result T
	succeeded := false
	currentEffect.With(c.invalidator, func() {
		scope.With(nil, func() {
			defer func() {
				if r := recover(); r != nil {
					routeFailure(r, FailureComputed)
				}
			}()
			result = c.computeFn()
			succeeded = true
		})
	})

	if succeeded {
		c.dirty.Store(false)
		c.sig.setRaw(result)
	}
	// On failure the computed stays dirty so the next read retries; the
	// previously cached value is left untouched.
}
