package reactive

import (
	"sync"

	"github.com/corewire/reactor/pkg/scope"
)

// CancelToken is handed to an AsyncEffect's body (and, via Resource, to a
// fetch_fn) so async work can observe cancellation cooperatively instead of
// relying on thread-level cancellation, which Go does not offer.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	onCancel  []func()
}

func newCancelToken() *CancelToken {
	return &CancelToken{}
}

// IsCancelled reports whether this token has been cancelled.
func (c *CancelToken) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// OnCancel registers fn to run when the token is cancelled. If already
// cancelled, fn runs immediately on the calling goroutine.
func (c *CancelToken) OnCancel(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		fn()
		return
	}
	c.onCancel = append(c.onCancel, fn)
	c.mu.Unlock()
}

func (c *CancelToken) cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	fns := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// AsyncEffect is an Effect whose body receives a CancelToken. Each rerun
// aborts the previous run's token before creating a new one; disposing the
// AsyncEffect aborts whatever token is current and then tears the
// underlying effect down normally.
type AsyncEffect struct {
	eff *Effect

	mu         sync.Mutex
	controller *CancelToken
}

// NewAsyncEffect creates an async effect bound to the scope current at call
// time (if any), schedules its initial run via microtask like a plain
// Effect, and registers its Dispose as a cleanup on that scope.
func NewAsyncEffect(body func(ct *CancelToken)) *AsyncEffect {
	ae := &AsyncEffect{}

	wrapped := func() {
		ae.mu.Lock()
		if ae.controller != nil {
			ae.controller.cancel()
		}
		ct := newCancelToken()
		ae.controller = ct
		ae.mu.Unlock()

		body(ct)
	}

	sc := scope.Current()
	ae.eff = newEffect(DefaultScheduler, sc, false, wrapped)
	if sc != nil {
		sc.OnCleanup(ae.Dispose)
	}
	scheduleEffect(DefaultScheduler, ae.eff)
	return ae
}

// IsDisposed reports whether Dispose has already run.
func (ae *AsyncEffect) IsDisposed() bool {
	return ae.eff.IsDisposed()
}

// CancelCurrent aborts whichever run is in flight without tearing down the
// effect itself, so a later dependency change (or an explicit rerun) still
// starts a fresh run.
func (ae *AsyncEffect) CancelCurrent() {
	ae.mu.Lock()
	if ae.controller != nil {
		ae.controller.cancel()
	}
	ae.mu.Unlock()
}

// Dispose aborts the current run's cancel token, then disposes the
// underlying effect (tearing down dependency edges, clearing any pending
// schedule). Idempotent.
func (ae *AsyncEffect) Dispose() {
	ae.CancelCurrent()
	ae.eff.Dispose()
}
