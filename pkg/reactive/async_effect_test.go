package reactive

import (
	"sync/atomic"
	"testing"

	"github.com/corewire/reactor/pkg/scope"
)

func TestAsyncEffect_RerunAbortsPreviousController(t *testing.T) {
	s := NewSignal(0)
	var lastCancelled atomic.Bool
	var tokens []*CancelToken

	NewAsyncEffect(func(ct *CancelToken) {
		tokens = append(tokens, ct)
		s.Read()
		if len(tokens) > 1 {
			lastCancelled.Store(tokens[len(tokens)-2].IsCancelled())
		}
	})
	Flush()
	s.Write(1)
	Flush()

	if len(tokens) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(tokens))
	}
	if !tokens[0].IsCancelled() {
		t.Error("expected the first run's token to be cancelled once the second run started")
	}
}

func TestAsyncEffect_DisposeCancelsCurrentToken(t *testing.T) {
	var got *CancelToken
	ae := NewAsyncEffect(func(ct *CancelToken) { got = ct })
	Flush()

	if got == nil {
		t.Fatal("expected a token to have been handed to the body")
	}
	if got.IsCancelled() {
		t.Fatal("expected token not cancelled before dispose")
	}

	ae.Dispose()
	if !got.IsCancelled() {
		t.Error("expected Dispose to cancel the current token")
	}
}

func TestCancelToken_OnCancelFiresImmediatelyIfAlreadyCancelled(t *testing.T) {
	var token *CancelToken
	ae := NewAsyncEffect(func(ct *CancelToken) { token = ct })
	Flush()
	ae.Dispose()

	var firedAfter atomic.Bool
	token.OnCancel(func() { firedAfter.Store(true) })
	if !firedAfter.Load() {
		t.Error("expected OnCancel registered on an already-cancelled token to fire immediately")
	}
}

func TestAsyncEffect_ScopeDisposalCancelsToken(t *testing.T) {
	sc := scope.New(nil)
	var token *CancelToken

	scope.With(sc, func() {
		NewAsyncEffect(func(ct *CancelToken) { token = ct })
	})
	Flush()

	if token == nil || token.IsCancelled() {
		t.Fatal("expected a live token after initial run")
	}

	sc.Dispose()
	if !token.IsCancelled() {
		t.Error("expected scope disposal to cancel the async effect's current token")
	}
}
