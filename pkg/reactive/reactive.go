// Package reactive implements the fine-grained reactive graph: signals,
// computed values, effects, and async effects. It is the core dependency
// tracking engine the rest of the runtime (resources, the resource cache,
// the query client) is built on.
//
// Dependency tracking is ambient rather than explicit: reading a Signal or
// Computed while an Effect is executing subscribes that effect, subject to
// the scope guard described on Signal.Read. "Currently executing effect"
// and "current scope" are both goroutine-local (see internal/gls and
// pkg/scope) so the same runtime can drive independent graphs from
// independent goroutines.
package reactive

import (
	"reflect"

	"github.com/corewire/reactor/internal/gls"
	"github.com/corewire/reactor/pkg/scheduler"
)

// debugLog mirrors the nil-by-default hook convention used throughout this
// module; see pkg/scope and pkg/scheduler for the matching pattern.
var debugLog func(args ...interface{})

// SetDebugLog installs the package-wide debug logging hook.
func SetDebugLog(fn func(args ...interface{})) {
	debugLog = fn
}

// DefaultScheduler is the runtime's single scheduler instance. The cache
// and tag index (pkg/cache) and current_scope/active_effect are, per the
// design notes, process-wide singletons rather than per-graph state; this
// mirrors that by giving the package one shared scheduler rather than
// threading one through every constructor call.
var DefaultScheduler = scheduler.New()

// currentEffect is the goroutine-local "active effect" pointer signal reads
// subscribe against.
var currentEffect = gls.NewSlot[*Effect]()

// CurrentEffect returns the effect executing on the calling goroutine, or
// nil outside of any effect run.
func CurrentEffect() *Effect {
	e, _ := currentEffect.Get()
	return e
}

// Batch runs fn with effect notifications coalesced; see
// scheduler.Scheduler.Batch.
func Batch(fn func()) {
	DefaultScheduler.Batch(fn)
}

// IsBatching reports whether the calling code is inside Batch.
func IsBatching() bool {
	return DefaultScheduler.IsBatching()
}

// Flush drains the default scheduler's microtask queue. Effect initial runs
// and non-sync reruns are scheduled via microtask (see scheduleEffect), so
// tests and hosts without their own event loop call Flush to observe them.
func Flush() {
	DefaultScheduler.RunMicrotasks()
}

// RunFrame drains the default scheduler's frame queue.
func RunFrame() {
	DefaultScheduler.RunFrame()
}

// identityEqual implements the write short-circuit's notion of identity
// equality: Object.is semantics, where NaN is self-equal and -0/0 are
// distinguished for floats, falling back to structural equality for
// everything else since Go generics offer no default equality operator for
// an unconstrained T.
func identityEqual[T any](a, b T) bool {
	switch av := any(a).(type) {
	case float64:
		bv := any(b).(float64)
		if av != av && bv != bv {
			return true
		}
		return av == bv && signbitEqual64(av, bv)
	case float32:
		bv := any(b).(float32)
		if av != av && bv != bv {
			return true
		}
		return av == bv && signbitEqual32(av, bv)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func signbitEqual64(a, b float64) bool {
	if a != 0 || b != 0 {
		return true
	}
	return (1/a > 0) == (1/b > 0)
}

func signbitEqual32(a, b float32) bool {
	if a != 0 || b != 0 {
		return true
	}
	return (1/a > 0) == (1/b > 0)
}

// runManual invokes a manual On() subscriber with panic isolation so one
// subscriber's failure cannot prevent the rest of the fan-out from running.
func runManual[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			if debugLog != nil {
				debugLog("[reactive] manual subscriber panic:", r)
			}
		}
	}()
	fn(v)
}
