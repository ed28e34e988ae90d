package reactive

import (
	"sync/atomic"
	"testing"
)

func TestSignal_ReadWrite(t *testing.T) {
	s := NewSignal(42)
	if got := s.Read(); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	s.Write(100)
	if got := s.Read(); got != 100 {
		t.Errorf("expected 100 after Write, got %d", got)
	}
}

func TestSignal_UpdateSugar(t *testing.T) {
	s := NewSignal(10)
	s.Update(func(v int) int { return v * 2 })
	if got := s.Peek(); got != 20 {
		t.Errorf("expected 20, got %d", got)
	}
}

func TestSignal_IdentityEqualWriteIsNoop(t *testing.T) {
	s := NewSignal(5)
	var notified atomic.Bool
	unsub := s.On(func(int) { notified.Store(true) })
	defer unsub()

	s.Write(5)
	if notified.Load() {
		t.Error("expected write of an identity-equal value to be a no-op")
	}
	s.Write(6)
	if !notified.Load() {
		t.Error("expected write of a different value to notify subscribers")
	}
}

func TestSignal_NaNIsSelfEqual(t *testing.T) {
	nan := 0.0
	nan = nan / nan
	s := NewSignal(nan)
	var notified atomic.Bool
	unsub := s.On(func(float64) { notified.Store(true) })
	defer unsub()

	s.Write(nan)
	if notified.Load() {
		t.Error("expected writing NaN over NaN to be a no-op (Object.is semantics)")
	}
}

func TestSignal_PeekDoesNotSubscribe(t *testing.T) {
	s := NewSignal(1)
	var runs atomic.Int32
	NewEffect(func() {
		runs.Add(1)
		_ = s.Peek()
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}

	s.Write(2)
	Flush()
	if runs.Load() != 1 {
		t.Errorf("expected Peek to not subscribe, runs stayed at 1, got %d", runs.Load())
	}
}

func TestSignal_OnDispatchOrderIsRegistrationOrder(t *testing.T) {
	s := NewSignal(0)
	var order []int
	s.On(func(int) { order = append(order, 1) })
	s.On(func(int) { order = append(order, 2) })
	s.On(func(int) { order = append(order, 3) })

	s.Write(1)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected dispatch in registration order [1 2 3], got %v", order)
	}
}

func TestSignal_OnUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSignal(0)
	var count atomic.Int32
	unsub := s.On(func(int) { count.Add(1) })
	unsub()
	unsub() // idempotent

	s.Write(1)
	if count.Load() != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
	}
}

// A single effect reading one signal runs once after the initial flush,
// then once more after three synchronous writes collapse into a single
// microtask turn.
func TestEffect_MicrotaskDedup(t *testing.T) {
	s := NewSignal(0)
	var runs atomic.Int32
	NewEffect(func() {
		s.Read()
		runs.Add(1)
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run after initial flush, got %d", runs.Load())
	}

	s.Write(1)
	s.Write(2)
	s.Write(3)
	Flush()
	if runs.Load() != 2 {
		t.Errorf("expected 2 runs after 3 writes collapsed into one turn, got %d", runs.Load())
	}
}

func TestDependencyMinimality(t *testing.T) {
	a := NewSignal(true)
	b := NewSignal(1)
	c := NewSignal(100)
	var runs atomic.Int32

	NewEffect(func() {
		runs.Add(1)
		if a.Read() {
			b.Read()
		} else {
			c.Read()
		}
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}

	// Flip the branch: now only c is tracked, b should no longer reschedule.
	a.Write(false)
	Flush()
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs after branch flip, got %d", runs.Load())
	}

	b.Write(2)
	Flush()
	if runs.Load() != 2 {
		t.Errorf("expected b writes to no longer reschedule after branch flip, got %d runs", runs.Load())
	}

	c.Write(200)
	Flush()
	if runs.Load() != 3 {
		t.Errorf("expected c write to reschedule after becoming the tracked dependency, got %d runs", runs.Load())
	}
}
