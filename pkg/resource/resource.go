package resource

import (
	"log"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/scope"
)

// FetchFunc is the async producer a Resource drives. It runs on its own
// goroutine so it may block on real I/O; ct reports whether the run has
// since been superseded, and a well-behaved fetch should check it before
// committing expensive work.
type FetchFunc[T any] func(ct *reactive.CancelToken) (T, error)

// Status summarizes a Resource's current state for callers that don't want
// to inspect all four underlying signals.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusRefreshing
	StatusReady
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusRefreshing:
		return "refreshing"
	case StatusReady:
		return "ready"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Options configures a Resource at creation time.
type Options[T any] struct {
	// InitialValue seeds Data and, if Ok, marks the resource as already
	// settled (so StaleWhileRevalidate skips the initial loading flash).
	InitialValue Option[T]

	OnSuccess func(T)
	OnError   func(error)

	// StaleWhileRevalidate keeps Loading false on a refresh of an
	// already-settled resource; only Fetching toggles.
	StaleWhileRevalidate bool

	// Deps, when set, turns this into a dependent resource: the driver
	// reads Deps() synchronously (so dependency tracking attaches to the
	// driver effect, not to the detached fetch goroutine) on every run and
	// skips the fetch entirely when the result compares equal to the
	// previous run's, per DepsKeyFunc or, absent one, reflect.DeepEqual.
	Deps        func() []any
	DepsKeyFunc func([]any) string

	// RefreshIntervalMs, when positive, requests a non-forced Refresh on
	// this cadence until the resource is disposed. In-flight runs dedup as
	// usual, so an interval shorter than the fetch never stacks runs.
	RefreshIntervalMs int64

	// FetchOptions is an opaque pass-through slot for collaborators that
	// want to attach transport settings (headers, credentials, etc.) to a
	// resource; the core never inspects it.
	FetchOptions any
}

type waiterEntry struct {
	done   chan struct{}
	closed atomic.Bool
}

// Resource is the async state-machine primitive: data/loading/fetching/error
// signals driven by a cancellable fetch function, refreshed explicitly or by
// a change in Deps.
type Resource[T any] struct {
	fetch FetchFunc[T]
	opts  Options[T]

	data     *reactive.Signal[Option[T]]
	loading  *reactive.Signal[bool]
	fetching *reactive.Signal[bool]
	errSig   *reactive.Signal[error]

	hasSettled atomic.Bool
	disposed   atomic.Bool

	tick   *reactive.Signal[int64]
	driver *reactive.AsyncEffect

	depsMu          sync.Mutex
	depsInitialized bool
	lastDeps        []any

	waitersMu      sync.Mutex
	pendingWaiters []*waiterEntry

	stopInterval func()
}

// New creates a Resource and starts its driver. The driver is disposed
// automatically when the scope current at creation time is disposed.
func New[T any](fetch FetchFunc[T], opts Options[T]) *Resource[T] {
	r := &Resource[T]{fetch: fetch, opts: opts}

	r.data = reactive.NewSignal(opts.InitialValue)
	r.loading = reactive.NewSignal(false)
	r.fetching = reactive.NewSignal(false)
	r.errSig = reactive.NewSignalWithEqual[error](nil, func(a, b error) bool { return a == b })

	if opts.InitialValue.Ok {
		r.hasSettled.Store(true)
	}
	r.tick = reactive.NewSignal(int64(0))

	r.driver = reactive.NewAsyncEffect(func(ct *reactive.CancelToken) {
		var deps []any
		if r.opts.Deps != nil {
			deps = r.opts.Deps()
		}
		r.tick.Read()
		go r.runFetch(deps, ct)
	})

	if opts.RefreshIntervalMs > 0 {
		interval := time.Duration(opts.RefreshIntervalMs) * time.Millisecond
		ticker := time.NewTicker(interval)
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					if r.disposed.Load() {
						return
					}
					r.Refresh(false)
				case <-stop:
					return
				}
			}
		}()
		r.stopInterval = func() {
			ticker.Stop()
			close(stop)
		}
	}

	if sc := scope.Current(); sc != nil {
		sc.OnCleanup(r.disposeCleanup)
	}
	return r
}

// FetchOptions returns the opaque pass-through slot supplied at creation.
func (r *Resource[T]) FetchOptions() any { return r.opts.FetchOptions }

// Data reads the current data slot, subscribing the calling effect.
func (r *Resource[T]) Data() Option[T] { return r.data.Read() }

// Loading reads the loading signal, subscribing the calling effect.
func (r *Resource[T]) Loading() bool { return r.loading.Read() }

// Fetching reads the fetching signal, subscribing the calling effect.
func (r *Resource[T]) Fetching() bool { return r.fetching.Read() }

// Error reads the error signal, subscribing the calling effect.
func (r *Resource[T]) Error() error { return r.errSig.Read() }

// Status derives a Status snapshot without subscribing to anything.
func (r *Resource[T]) Status() Status {
	if r.errSig.Peek() != nil {
		return StatusErrored
	}
	if r.loading.Peek() {
		return StatusLoading
	}
	if r.fetching.Peek() {
		return StatusRefreshing
	}
	if r.hasSettled.Load() {
		return StatusReady
	}
	return StatusIdle
}

// Refresh requests a new run. Without force, a refresh that arrives while a
// fetch is already in flight is deduplicated onto that in-flight run's
// waiter rather than starting a second one. With force, a new run is
// requested even while one is in flight; when the driver reruns it cancels
// the current run's token and starts the new one. Any still-pending waiter
// (including one belonging to an earlier, now-superseded run) resolves
// together with whichever run finally completes unaborted.
//
// The returned channel closes once settlement lands. The requested run only
// starts when the driver's rerun is drained from the microtask queue, so a
// caller on the executor goroutine must call reactive.Flush before waiting
// on it; settlement itself is applied from the fetch's own goroutine, which
// schedules reactions without draining them.
func (r *Resource[T]) Refresh(force bool) <-chan struct{} {
	w := &waiterEntry{done: make(chan struct{})}
	r.waitersMu.Lock()
	r.pendingWaiters = append(r.pendingWaiters, w)
	r.waitersMu.Unlock()

	if !force && r.fetching.Peek() {
		// Dedup: a run is already in flight, whatever started it. Await its
		// settlement instead of starting a second one.
		return w.done
	}

	r.tick.Update(func(v int64) int64 { return v + 1 })
	return w.done
}

// Cancel aborts whatever run is currently in flight, without disposing the
// driver: a later Refresh still starts a fresh run. Loading and Fetching
// drop to false immediately; Data and Error are left untouched.
func (r *Resource[T]) Cancel() {
	r.driver.CancelCurrent()
	r.fetching.Write(false)
	r.loading.Write(false)
}

// SetData writes the data slot directly, bypassing the fetch function, and
// marks the resource as settled.
func (r *Resource[T]) SetData(v T) {
	r.data.Write(Some(v))
	r.hasSettled.Store(true)
}

// SetError writes the error slot directly, bypassing the fetch function.
func (r *Resource[T]) SetError(err error) {
	r.errSig.Write(err)
}

// Dispose tears the resource down: aborts the current run, disposes the
// driver, clears loading/fetching, and resolves any still-pending waiters
// so callers awaiting a refresh don't hang forever.
func (r *Resource[T]) Dispose() {
	r.disposeCleanup()
}

func (r *Resource[T]) disposeCleanup() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	if r.stopInterval != nil {
		r.stopInterval()
	}
	r.driver.Dispose()
	r.loading.Write(false)
	r.fetching.Write(false)
	r.resolveWaiters()
}

// runFetch is the detached-goroutine body. It never runs inside an effect's
// tracking context, so reads of unrelated signals here never register as
// dependencies of the driver; only the synchronous tick/Deps reads taken
// before the goroutine was spawned do.
func (r *Resource[T]) runFetch(deps []any, ct *reactive.CancelToken) {
	if ct.IsCancelled() {
		// Superseded, cancelled or disposed before this goroutine started:
		// never invoke the fetch function for an aborted run.
		return
	}
	if r.opts.Deps != nil {
		r.depsMu.Lock()
		equal := r.depsInitialized && depsEqual(r.lastDeps, deps, r.opts.DepsKeyFunc)
		r.lastDeps = deps
		r.depsInitialized = true
		r.depsMu.Unlock()

		if equal {
			if !ct.IsCancelled() {
				r.resolveWaiters()
			}
			return
		}
	}

	r.fetching.Write(true)
	r.loading.Write(!(r.opts.StaleWhileRevalidate && r.hasSettled.Load()))

	value, err := r.fetch(ct)

	if ct.IsCancelled() {
		// Aborted: never mutate data/error/loading/fetching, never invoke
		// callbacks. A later run (or Cancel) owns clearing the flags.
		return
	}

	if err != nil {
		r.errSig.Write(err)
		if r.opts.OnError != nil {
			safeCall(func() { r.opts.OnError(err) })
		}
	} else {
		r.data.Write(Some(value))
		r.hasSettled.Store(true)
		if r.opts.OnSuccess != nil {
			safeCall(func() { r.opts.OnSuccess(value) })
		}
	}
	r.fetching.Write(false)
	r.loading.Write(false)

	r.resolveWaiters()
}

// resolveWaiters closes every still-pending waiter. Reaching here past the
// IsCancelled check above means this run was never superseded before it
// settled, since AsyncEffect cancels the previous token synchronously before
// starting the next run. This is therefore the newest run, and
// every earlier waiter (including ones belonging to runs this one
// superseded) observes this run's completion.
func (r *Resource[T]) resolveWaiters() {
	r.waitersMu.Lock()
	toResolve := r.pendingWaiters
	r.pendingWaiters = nil
	r.waitersMu.Unlock()

	for _, w := range toResolve {
		if w.closed.CompareAndSwap(false, true) {
			close(w.done)
		}
	}
}

func depsEqual(a, b []any, keyFn func([]any) string) bool {
	if keyFn != nil {
		return keyFn(a) == keyFn(b)
	}
	return reflect.DeepEqual(a, b)
}

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("resource: callback panic: %v", rec)
		}
	}()
	fn()
}
