package reactive

import (
	"sync/atomic"
	"testing"

	"github.com/corewire/reactor/pkg/scope"
)

func TestEffect_InitialRunIsDeferredToMicrotask(t *testing.T) {
	var ran atomic.Bool
	NewEffect(func() { ran.Store(true) })
	if ran.Load() {
		t.Error("expected initial run to be deferred until Flush")
	}
	Flush()
	if !ran.Load() {
		t.Error("expected initial run to have happened after Flush")
	}
}

func TestEffect_DisposeStopsFurtherRuns(t *testing.T) {
	s := NewSignal(0)
	var runs atomic.Int32
	e := NewEffect(func() {
		s.Read()
		runs.Add(1)
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}

	e.Dispose()
	s.Write(1)
	Flush()
	if runs.Load() != 1 {
		t.Errorf("expected disposed effect not to rerun, got %d runs", runs.Load())
	}
}

func TestEffect_DisposedByScopeDisposal(t *testing.T) {
	s := NewSignal(0)
	sc := scope.New(nil)
	var runs atomic.Int32

	scope.With(sc, func() {
		NewEffect(func() {
			s.Read()
			runs.Add(1)
		})
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}

	sc.Dispose()
	s.Write(1)
	Flush()
	if runs.Load() != 1 {
		t.Errorf("expected scope disposal to tear down the effect, got %d runs", runs.Load())
	}
}

// Scope containment cascades to effects created through nested scopes.
func TestScopeContainment_NestedEffects(t *testing.T) {
	s := NewSignal(0)
	root := scope.New(nil)
	child := scope.New(root)
	var runs atomic.Int32

	scope.With(child, func() {
		NewEffect(func() {
			s.Read()
			runs.Add(1)
		})
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}

	root.Dispose()
	s.Write(1)
	Flush()
	if runs.Load() != 1 {
		t.Errorf("expected effect in disposed child scope not to rerun, got %d", runs.Load())
	}
	if !child.IsDisposed() {
		t.Error("expected child scope to be disposed along with root")
	}
}

func TestEffect_PanicIsRoutedToErrorHandler(t *testing.T) {
	var captured *ReactorError
	SetEffectErrorHandler(func(err *ReactorError) { captured = err })
	defer SetEffectErrorHandler(nil)

	NewEffect(func() { panic("kaboom") })
	Flush()

	if captured == nil {
		t.Fatal("expected the error handler to be invoked")
	}
	if captured.Kind != FailureEffect {
		t.Errorf("expected FailureEffect, got %v", captured.Kind)
	}
}

func TestEffect_ScopeGuardPreventsForeignScopeSubscription(t *testing.T) {
	s := NewSignal(0)
	outer := scope.New(nil)
	inner := scope.New(nil)

	var runs atomic.Int32
	scope.With(outer, func() {
		NewEffect(func() {
			runs.Add(1)
			// Enter an unrelated scope mid-run and read s there: per the
			// scope guard, this read must not subscribe the outer effect,
			// since the effect's tracking scope (outer) does not match the
			// scope current at read time (inner).
			scope.With(inner, func() {
				s.Read()
			})
		})
	})
	Flush()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 initial run, got %d", runs.Load())
	}

	s.Write(1)
	Flush()
	if runs.Load() != 1 {
		t.Errorf("expected the scope guard to prevent resubscription through an unrelated scope, got %d runs", runs.Load())
	}
}
