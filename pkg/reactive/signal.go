package reactive

import (
	"sync"

	"github.com/corewire/reactor/pkg/scheduler"
)

// subscriberEntry is the tagged variant a Signal's subscriber set holds:
// either a reactive Effect (scheduled through the scheduler on write) or a
// manual On() callback (invoked directly from the notify fan-out).
type subscriberEntry[T any] struct {
	id     uint64
	effect *Effect
	manual func(T)
}

// Signal is a reactive cell. Reads made while an Effect is executing
// subscribe that effect, subject to the scope guard described on Read;
// writes that compare equal under identity semantics are no-ops, otherwise
// every subscriber is notified.
type Signal[T any] struct {
	mu        sync.Mutex
	value     T
	equal     func(a, b T) bool
	subs      []subscriberEntry[T]
	nextSubID uint64

	sched *scheduler.Scheduler
}

// NewSignal creates a signal holding initial, using identity equality
// (Object.is semantics) for the write short-circuit.
func NewSignal[T any](initial T) *Signal[T] {
	return newSignalWithEqual(DefaultScheduler, initial, identityEqual[T])
}

// NewSignalWithEqual creates a signal with a caller-supplied equality
// function, for types where structural equality (the identityEqual
// fallback) is not the right short-circuit, e.g. comparing slices by
// length-and-elements instead of by reflect.DeepEqual's defaults, or
// treating two error values as equal by message.
func NewSignalWithEqual[T any](initial T, equal func(a, b T) bool) *Signal[T] {
	return newSignalWithEqual(DefaultScheduler, initial, equal)
}

func newSignalWithEqual[T any](sched *scheduler.Scheduler, initial T, equal func(a, b T) bool) *Signal[T] {
	return &Signal[T]{value: initial, equal: equal, sched: sched}
}

// Read returns the current value and, if called during an Effect's run,
// subscribes that effect, but only if the scope guard passes: the
// effect has no owning scope, or its owning scope equals the scope current
// right now. This prevents a long-lived effect from accidentally capturing
// a dependency read through a short-lived scope's computed.
func (s *Signal[T]) Read() T {
	eff := CurrentEffect()
	if shouldSubscribe(eff) {
		s.subscribeEffect(eff)
	}
	return s.Peek()
}

// Peek returns the current value without subscribing the calling effect.
func (s *Signal[T]) Peek() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Write stores next if it is not identity-equal to the current value, then
// notifies subscribers.
func (s *Signal[T]) Write(next T) {
	s.mu.Lock()
	if s.equal(s.value, next) {
		s.mu.Unlock()
		return
	}
	s.value = next
	s.mu.Unlock()
	s.notify()
}

// Update is sugar for Write(fn(current)).
func (s *Signal[T]) Update(fn func(T) T) {
	s.mu.Lock()
	next := fn(s.value)
	if s.equal(s.value, next) {
		s.mu.Unlock()
		return
	}
	s.value = next
	s.mu.Unlock()
	s.notify()
}

// setRaw stores v without running the equality check or notifying
// subscribers. Used internally by Computed to install a freshly computed
// value; the invalidator already scheduled the computed's subscribers at
// invalidation time.
func (s *Signal[T]) setRaw(v T) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

// On registers a manual subscriber invoked directly from the notification
// fan-out (not routed through the scheduler), in registration order.
// Returns an idempotent unsubscribe function.
func (s *Signal[T]) On(cb func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs = append(s.subs, subscriberEntry[T]{id: id, manual: cb})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.removeSub(id)
		})
	}
}

func (s *Signal[T]) subscribeEffect(eff *Effect) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs = append(s.subs, subscriberEntry[T]{id: id, effect: eff})
	s.mu.Unlock()

	eff.addDep(func() { s.removeSub(id) })
}

func (s *Signal[T]) removeSub(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.subs {
		if e.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// notify schedules every subscriber effect and invokes every manual
// subscriber with the current value, in registration order.
func (s *Signal[T]) notify() {
	s.mu.Lock()
	current := s.value
	snapshot := make([]subscriberEntry[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.effect != nil {
			scheduleEffect(s.sched, e.effect)
		} else if e.manual != nil {
			runManual(e.manual, current)
		}
	}
}
