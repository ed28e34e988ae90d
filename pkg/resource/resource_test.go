package resource_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/resource"
	"github.com/corewire/reactor/pkg/scope"
)

func TestResource_InitialFetchSettlesData(t *testing.T) {
	r := resource.New(func(ct *reactive.CancelToken) (string, error) {
		return "v0", nil
	}, resource.Options[string]{})

	w := r.Refresh(false) // coalesces with the driver's pending initial run
	reactive.Flush()
	<-w
	reactive.Flush()

	if got := r.Data(); !got.Ok || got.Value != "v0" {
		t.Fatalf("expected settled data v0, got %+v", got)
	}
	if r.Status() != resource.StatusReady {
		t.Errorf("expected StatusReady, got %v", r.Status())
	}
}

func TestResource_ErrorPathSetsErrorAndStatus(t *testing.T) {
	boom := errors.New("boom")
	var onErrorCalls atomic.Int32
	r := resource.New(func(ct *reactive.CancelToken) (string, error) {
		return "", boom
	}, resource.Options[string]{
		OnError: func(err error) { onErrorCalls.Add(1) },
	})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()

	if r.Error() != boom {
		t.Errorf("expected boom error, got %v", r.Error())
	}
	if r.Status() != resource.StatusErrored {
		t.Errorf("expected StatusErrored, got %v", r.Status())
	}
	if onErrorCalls.Load() != 1 {
		t.Errorf("expected OnError called once, got %d", onErrorCalls.Load())
	}
}

func TestResource_StaleWhileRevalidateKeepsLoadingFalseOnRefresh(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var call atomic.Int32
	r := resource.New(func(ct *reactive.CancelToken) (string, error) {
		if call.Add(1) == 1 {
			return "v0", nil
		}
		close(started)
		<-gate
		return "v1", nil
	}, resource.Options[string]{StaleWhileRevalidate: true})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()
	if !r.Data().Ok || r.Data().Value != "v0" {
		t.Fatalf("expected initial settle to v0, got %+v", r.Data())
	}

	w := r.Refresh(true)
	reactive.Flush()
	<-started // fetching/loading are written before the fetch function is invoked

	if r.Loading() {
		t.Error("expected Loading to stay false on a stale-while-revalidate refresh")
	}
	if !r.Fetching() {
		t.Error("expected Fetching to be true while the refresh is in flight")
	}

	close(gate)
	<-w
	reactive.Flush()
	if r.Data().Value != "v1" {
		t.Errorf("expected v1 after refresh settled, got %v", r.Data().Value)
	}
}

func TestResource_RefreshWithoutForceDedupsOntoInFlightRun(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var call atomic.Int32
	r := resource.New(func(ct *reactive.CancelToken) (string, error) {
		if call.Add(1) == 1 {
			return "v0", nil
		}
		close(started)
		<-gate
		return "v1", nil
	}, resource.Options[string]{})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()

	w1 := r.Refresh(true) // start run 2, gated
	reactive.Flush()
	<-started
	w2 := r.Refresh(false) // must dedup onto run 2, not start a run 3

	close(gate)
	<-w1
	<-w2
	reactive.Flush()

	if call.Load() != 2 {
		t.Errorf("expected exactly 2 fetch calls, got %d", call.Load())
	}
	if r.Data().Value != "v1" {
		t.Errorf("expected v1, got %v", r.Data().Value)
	}
}

// Refresh() then immediately Refresh(force) must abort the first run and
// resolve both awaiters together once the forced run completes, with the
// final data reflecting the forced run.
func TestResource_ForceRefreshSupersedesAndResolvesBothWaiters(t *testing.T) {
	gateA := make(chan struct{})
	startedA := make(chan struct{})
	doneA := make(chan struct{})
	var call atomic.Int32
	r := resource.New(func(ct *reactive.CancelToken) (string, error) {
		switch call.Add(1) {
		case 1:
			return "v0", nil
		case 2:
			close(startedA)
			<-gateA
			defer close(doneA)
			return "vA", nil
		default:
			return "v2", nil
		}
	}, resource.Options[string]{})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()
	if r.Data().Value != "v0" {
		t.Fatalf("expected initial settle to v0, got %v", r.Data().Value)
	}

	wA := r.Refresh(false) // starts run A, which blocks on gateA
	reactive.Flush()
	<-startedA
	wB := r.Refresh(true) // aborts run A's token, starts run B immediately
	reactive.Flush()

	<-wB
	reactive.Flush()

	select {
	case <-wA:
	default:
		t.Error("expected wA to resolve together with wB once run B settled")
	}
	if r.Data().Value != "v2" {
		t.Errorf("expected final data v2, got %v", r.Data().Value)
	}

	close(gateA)
	<-doneA
	reactive.Flush()
	if r.Data().Value != "v2" {
		t.Errorf("expected aborted run A to never overwrite settled data, got %v", r.Data().Value)
	}
}

func TestResource_CancelClearsFlagsWithoutMutatingData(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	doneAfterCancel := make(chan struct{})
	var call atomic.Int32
	r := resource.New(func(ct *reactive.CancelToken) (string, error) {
		if call.Add(1) == 1 {
			return "v0", nil
		}
		close(started)
		<-gate
		defer close(doneAfterCancel)
		return "v1", nil
	}, resource.Options[string]{})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()

	r.Refresh(true)
	reactive.Flush()
	<-started
	if !r.Fetching() {
		t.Fatal("expected fetching to be true mid-refresh")
	}

	r.Cancel()
	if r.Fetching() || r.Loading() {
		t.Error("expected Cancel to clear fetching/loading immediately")
	}
	if r.Data().Value != "v0" {
		t.Errorf("expected Cancel to leave prior data untouched, got %v", r.Data().Value)
	}

	close(gate)
	<-doneAfterCancel
	reactive.Flush()
	if r.Data().Value != "v0" {
		t.Errorf("expected the aborted run to never overwrite data after settling late, got %v", r.Data().Value)
	}
}

func TestResource_DisposeResolvesPendingWaitersAndStopsDriver(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var call atomic.Int32
	sc := scope.New(nil)
	var r *resource.Resource[string]

	scope.With(sc, func() {
		r = resource.New(func(ct *reactive.CancelToken) (string, error) {
			if call.Add(1) == 1 {
				return "v0", nil
			}
			close(started)
			<-gate
			return "v1", nil
		}, resource.Options[string]{})
	})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()

	w := r.Refresh(true)
	reactive.Flush()
	<-started

	sc.Dispose()

	select {
	case <-w:
	default:
		t.Error("expected scope disposal to resolve pending waiters")
	}
	if r.Fetching() || r.Loading() {
		t.Error("expected disposal to clear fetching/loading")
	}
	close(gate)
}

func TestResource_RefreshIntervalTriggersPeriodicRuns(t *testing.T) {
	var call atomic.Int32
	r := resource.New(func(ct *reactive.CancelToken) (int, error) {
		return int(call.Add(1)), nil
	}, resource.Options[int]{RefreshIntervalMs: 10})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for call.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(15 * time.Millisecond)
		reactive.Flush()
	}
	if call.Load() < 3 {
		t.Fatalf("expected at least 3 fetches with a 10ms refresh interval, got %d", call.Load())
	}

	r.Dispose()
	reactive.Flush()
	settled := call.Load()
	time.Sleep(50 * time.Millisecond)
	reactive.Flush()
	if call.Load() != settled {
		t.Errorf("expected no further fetches after dispose, got %d more", call.Load()-settled)
	}
}

func TestResource_DependentResourceSkipsFetchWhenDepsEqual(t *testing.T) {
	depVal := reactive.NewSignal(1)
	var call atomic.Int32

	r := resource.New(func(ct *reactive.CancelToken) (int, error) {
		return int(call.Add(1)), nil
	}, resource.Options[int]{
		Deps: func() []any { return []any{depVal.Read()} },
	})

	w0 := r.Refresh(false)
	reactive.Flush()
	<-w0
	reactive.Flush()
	if call.Load() != 1 {
		t.Fatalf("expected 1 fetch after initial settle, got %d", call.Load())
	}

	w := r.Refresh(false) // deps unchanged since creation: driver runs, fetch is skipped
	reactive.Flush()
	<-w
	reactive.Flush()
	if call.Load() != 1 {
		t.Errorf("expected refresh with unchanged deps to skip the fetch, got %d calls", call.Load())
	}

	depVal.Write(2)
	w2 := r.Refresh(false)
	reactive.Flush()
	<-w2
	reactive.Flush()
	if call.Load() != 2 {
		t.Errorf("expected changed deps to trigger a real fetch, got %d calls", call.Load())
	}
}
