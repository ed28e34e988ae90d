package reactive

import (
	"sync"
	"sync/atomic"

	"github.com/corewire/reactor/pkg/scheduler"
	"github.com/corewire/reactor/pkg/scope"
)

// Effect is a subscriber that re-executes whenever any signal it read
// during its last run changes. Effect is also the building block for
// Computed's internal invalidator (sync=true) and for AsyncEffect.
type Effect struct {
	fn   func()
	sync bool

	disposed atomic.Bool
	pending  atomic.Bool

	// trackingScope gates the scope-guarded subscribe rule (see
	// Signal.Read): reads during this effect's run only subscribe if
	// trackingScope is nil or equals the scope current at read time.
	// This is intentionally independent from which scope's dispose tears
	// the effect down; callers wire that separately, since a Computed's
	// invalidator has a nil trackingScope but is still disposed by the
	// scope active when the Computed was created.
	trackingScope *scope.Scope

	mu       sync.Mutex
	teardown []func()

	task  *scheduler.Task
	sched *scheduler.Scheduler
}

func newEffect(sched *scheduler.Scheduler, trackingScope *scope.Scope, sync bool, fn func()) *Effect {
	e := &Effect{fn: fn, sync: sync, trackingScope: trackingScope, sched: sched}
	e.task = scheduler.NewTask(func() { e.run() })
	return e
}

// NewEffect creates an effect bound to the scope current at call time (if
// any) and schedules its initial run via microtask. The returned Effect's
// Dispose is also registered as a cleanup on that scope, so disposing the
// scope tears the effect down.
func NewEffect(fn func()) *Effect {
	sc := scope.Current()
	e := newEffect(DefaultScheduler, sc, false, fn)
	if sc != nil {
		sc.OnCleanup(e.Dispose)
	}
	scheduleEffect(DefaultScheduler, e)
	return e
}

// run executes the effect body with dependency tracking: previous
// dependency edges are torn down first, then fn runs with this effect and
// its tracking scope bound as current, so nested Signal.Read calls
// subscribe correctly. A panic in fn is caught, routed to the global error
// handler, and does not leave stale tracking state behind.
func (e *Effect) run() {
	if e.disposed.Load() {
		return
	}
	e.pending.Store(false)
	e.teardownDeps()

	body := func() {
		defer func() {
			if r := recover(); r != nil {
				routeFailure(r, FailureEffect)
			}
		}()
		e.fn()
	}

	currentEffect.With(e, func() {
		if e.trackingScope != nil {
			if err := scope.With(e.trackingScope, body); err != nil {
				// Scope disposed concurrently with this run being queued;
				// nothing to do, the effect will be disposed shortly too.
				return
			}
			return
		}
		body()
	})
}

func (e *Effect) addDep(remove func()) {
	e.mu.Lock()
	e.teardown = append(e.teardown, remove)
	e.mu.Unlock()
}

func (e *Effect) teardownDeps() {
	e.mu.Lock()
	deps := e.teardown
	e.teardown = nil
	e.mu.Unlock()

	for _, r := range deps {
		r()
	}
}

// IsDisposed reports whether Dispose has already run.
func (e *Effect) IsDisposed() bool {
	return e.disposed.Load()
}

// Dispose marks the effect disposed, tears down its dependency edges, and
// clears any pending schedule. Idempotent.
func (e *Effect) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.teardownDeps()
	e.pending.Store(false)
}

// scheduleEffect implements schedule_effect from the design: sync effects
// (computed invalidators) run immediately; otherwise the effect is marked
// pending (deduping repeat schedules within the same tick) and queued into
// the active batch, falling back to the microtask queue outside a batch.
func scheduleEffect(sched *scheduler.Scheduler, e *Effect) {
	if e == nil || e.disposed.Load() {
		return
	}
	if e.sync {
		e.run()
		return
	}
	if !e.pending.CompareAndSwap(false, true) {
		return
	}
	if !sched.QueueInBatch(e.task) {
		sched.ScheduleMicrotask(e.task)
	}
}

// shouldSubscribe implements the scope guard from Signal.Read: subscribe
// only if there is no active effect's scope restriction (nil trackingScope)
// or the effect's trackingScope matches the scope current right now.
func shouldSubscribe(eff *Effect) bool {
	if eff == nil || eff.disposed.Load() {
		return false
	}
	if eff.trackingScope == nil {
		return true
	}
	return eff.trackingScope == scope.Current()
}
