// Package scheduler implements the runtime's microtask and frame queues and
// the batching primitive the reactive graph schedules effect reruns
// through. It knows nothing about signals or effects: callers hand it
// opaque, stably-identified Task values and it guarantees draining,
// dedup-by-identity inside a batch, and iteration caps against runaway
// rescheduling loops.
package scheduler

import (
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// debugLog mirrors the nil-by-default hook used across this module; see
// pkg/reactive for the matching convention.
var debugLog func(args ...interface{})

// SetDebugLog installs the package-wide debug logging hook.
func SetDebugLog(fn func(args ...interface{})) {
	debugLog = fn
}

const (
	// DefaultMaxMicrotaskIterations bounds how many drain passes the
	// microtask queue takes before the scheduler gives up and logs.
	DefaultMaxMicrotaskIterations = 1000
	// DefaultMaxRAFIterations bounds frame-queue drain passes the same way.
	DefaultMaxRAFIterations = 100
)

// Task is a unit of scheduled work with a stable identity. Callers (the
// reactive package, chiefly) memoize one Task per effect so that dedup by
// identity works across repeated schedule calls within a batch or tick;
// the Task pointer itself is the identity, not the closure it wraps.
type Task struct {
	Run func()
}

// NewTask wraps fn in a Task with its own stable identity.
func NewTask(fn func()) *Task {
	return &Task{Run: fn}
}

// Options configures the scheduler's iteration caps.
type Options struct {
	MaxMicrotaskIterations int
	MaxRAFIterations       int
}

// Scheduler owns the microtask queue, the frame queue, and the current
// batch (if any). The zero value is not usable; construct with New.
type Scheduler struct {
	mu sync.Mutex

	microtasks []*Task
	frameTasks []*Task

	batchDepth int
	batchSet   map[*Task]struct{}
	batchOrder []*Task

	maxMicrotaskIterations int
	maxRAFIterations       int

	// onFrameRequested, if set, is invoked by ScheduleFrame the first time a
	// task is queued for an otherwise-empty frame queue, so a host can wire
	// RunFrame to its own requestAnimationFrame-equivalent. Tests call
	// RunFrame directly instead; Batch's flush runs its queued tasks itself
	// and does not go through the frame queue.
	onFrameRequested func()
}

// New creates a scheduler with default iteration caps.
func New() *Scheduler {
	return &Scheduler{
		maxMicrotaskIterations: DefaultMaxMicrotaskIterations,
		maxRAFIterations:       DefaultMaxRAFIterations,
	}
}

// Configure updates the iteration caps. Zero values leave the current
// setting unchanged.
func (s *Scheduler) Configure(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.MaxMicrotaskIterations > 0 {
		s.maxMicrotaskIterations = opts.MaxMicrotaskIterations
	}
	if opts.MaxRAFIterations > 0 {
		s.maxRAFIterations = opts.MaxRAFIterations
	}
}

// OnFrameRequested installs a callback invoked the first time a frame task
// is queued with no drain already pending, so a host environment can bridge
// to its own frame-aligned callback (e.g. requestAnimationFrame, a vsync
// channel, or a ticker). Without a host driver, call RunFrame directly.
func (s *Scheduler) OnFrameRequested(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrameRequested = fn
}

// ScheduleMicrotask appends task to the microtask queue. A host drives
// RunMicrotasks once it yields back to the scheduler; this runtime makes
// that call explicit rather than automatic so tests can observe
// intermediate state between scheduling and draining.
func (s *Scheduler) ScheduleMicrotask(task *Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	s.microtasks = append(s.microtasks, task)
	s.mu.Unlock()
	if debugLog != nil {
		debugLog("[scheduler] microtask queued")
	}
}

// ScheduleFrame appends task to the frame queue and, the first time the
// queue goes from empty to non-empty, invokes the host frame driver (if
// one was installed via OnFrameRequested).
func (s *Scheduler) ScheduleFrame(task *Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	wasEmpty := len(s.frameTasks) == 0
	s.frameTasks = append(s.frameTasks, task)
	driver := s.onFrameRequested
	s.mu.Unlock()

	if wasEmpty && driver != nil {
		driver()
	}
}

// RunMicrotasks drains the microtask queue to exhaustion using
// snapshot-and-swap semantics: tasks enqueued by a running task join the
// NEXT iteration's snapshot, never the one currently draining. Exceeding
// the configured iteration cap stops the drain and logs; this is treated as
// a bug in caller code (a task that reschedules itself unconditionally),
// not a panic.
func (s *Scheduler) RunMicrotasks() {
	s.mu.Lock()
	limit := s.maxMicrotaskIterations
	s.mu.Unlock()

	for i := 0; ; i++ {
		if i >= limit {
			log.Printf("scheduler: microtask drain exceeded %d iterations, stopping", limit)
			return
		}

		s.mu.Lock()
		batch := s.microtasks
		s.microtasks = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		runTasks(batch)
	}
}

// RunFrame drains the frame queue the same way RunMicrotasks drains the
// microtask queue: snapshot-and-swap, capped iterations.
func (s *Scheduler) RunFrame() {
	s.mu.Lock()
	limit := s.maxRAFIterations
	s.mu.Unlock()

	for i := 0; ; i++ {
		if i >= limit {
			log.Printf("scheduler: frame drain exceeded %d iterations, stopping", limit)
			return
		}

		s.mu.Lock()
		batch := s.frameTasks
		s.frameTasks = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		runTasks(batch)
	}
}

func runTasks(tasks []*Task) {
	for _, t := range tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("scheduler: task panic: %v\n%s", r, debug.Stack())
				}
			}()
			t.Run()
		}()
	}
}

// IsBatching reports whether the calling code is inside an outstanding
// Batch call (batches nest; this is true at any nesting depth >= 1).
func (s *Scheduler) IsBatching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchDepth > 0
}

// Batch runs fn with effect scheduling coalesced: signal writes still apply
// immediately, but the tasks they would otherwise schedule are deduped by
// identity into a shared queue and flushed once, at the outermost batch's
// exit. Nested batches share the outer batch's queue; only the outermost
// call flushes.
func (s *Scheduler) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	if s.batchDepth == 1 {
		s.batchSet = make(map[*Task]struct{})
		s.batchOrder = nil
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batchDepth--
		var toFlush []*Task
		if s.batchDepth == 0 {
			toFlush = s.batchOrder
			s.batchSet = nil
			s.batchOrder = nil
		}
		s.mu.Unlock()

		if len(toFlush) > 0 {
			runTasks(toFlush)
		}
	}()

	fn()
}

// QueueInBatch enqueues task into the current batch with dedup by identity
// and reports true, if a batch is active. If no batch is active it reports
// false and does nothing further; callers fall back to ScheduleMicrotask
// themselves.
func (s *Scheduler) QueueInBatch(task *Task) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchDepth == 0 {
		return false
	}
	if _, dup := s.batchSet[task]; dup {
		return true
	}
	s.batchSet[task] = struct{}{}
	s.batchOrder = append(s.batchOrder, task)
	return true
}

// CancelSignal is the minimal shape TimeSlice needs from a cancel token; it
// matches reactive.CancelToken's IsCancelled method without importing that
// package (which would create an import cycle the other direction).
type CancelSignal interface {
	IsCancelled() bool
}

// SliceContext is handed to a TimeSlice callback so it can cooperatively
// check whether its budget has elapsed and yield control back to the host.
type SliceContext struct {
	budget time.Duration
	start  time.Time
	cancel CancelSignal
}

// ShouldYield is true once the elapsed time since the slice began (or since
// the last YieldNow) reaches the budget, or the cancel token fired.
func (c *SliceContext) ShouldYield() bool {
	if c.cancel != nil && c.cancel.IsCancelled() {
		return true
	}
	return time.Since(c.start) >= c.budget
}

// YieldNow cooperatively hands control back to the host scheduler (draining
// any pending microtasks so the rest of the program stays responsive) and
// resets this slice's elapsed-time clock.
func (c *SliceContext) YieldNow(s *Scheduler) {
	if s != nil {
		s.RunMicrotasks()
	}
	c.start = time.Now()
}

// TimeSlice runs fn with a SliceContext scoped to budget, returning fn's
// result. fn is expected to call ctx.ShouldYield() periodically during
// long-running work and ctx.YieldNow(sched) when it should yield.
func TimeSlice[T any](sched *Scheduler, fn func(ctx *SliceContext) T, budget time.Duration, cancel CancelSignal) T {
	ctx := &SliceContext{budget: budget, start: time.Now(), cancel: cancel}
	return fn(ctx)
}
