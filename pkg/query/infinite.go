package query

import (
	"sync"

	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/resource"
)

// InfiniteConfig describes a paginated query.
type InfiniteConfig[T, P any] struct {
	// Key is read (non-reactively; InfiniteQuery is driven by explicit
	// FetchNextPage calls, not by a Computed) whenever FetchNextPage needs
	// to check whether pagination should reset.
	Key          func() cache.Key
	FetchPage    func(param P, ct *reactive.CancelToken) (T, error)
	InitialParam P
	// GetNextParam derives the next page's param from the last page and
	// all pages fetched so far; returning ok=false means there is no next
	// page.
	GetNextParam func(lastPage T, allPages []T) (P, bool)
}

// InfiniteQuery maintains an ordered pages array and the param used to
// fetch each page. FetchNextPage appends atomically: a page that settles
// after the reactive key has since changed is discarded rather than
// corrupting the pages array (abort-on-key-change).
type InfiniteQuery[T, P any] struct {
	cfg InfiniteConfig[T, P]

	mu         sync.Mutex
	pages      []T
	pageParams []P
	currentKey string
	generation uint64

	pagesSig   *reactive.Signal[[]T]
	loadingSig *reactive.Signal[bool]
	errSig     *reactive.Signal[error]
}

// NewInfinite creates an infinite query. It is not itself a Query[T] (there
// is no single cached resource, each page is its own fetch), so it does
// not participate in the client's find/cancel/refetch registry.
func NewInfinite[T, P any](cfg InfiniteConfig[T, P]) *InfiniteQuery[T, P] {
	return &InfiniteQuery[T, P]{
		cfg:        cfg,
		currentKey: cfg.Key().Encode(),
		pagesSig:   reactive.NewSignal[[]T](nil),
		loadingSig: reactive.NewSignal(false),
		errSig:     reactive.NewSignalWithEqual[error](nil, func(a, b error) bool { return a == b }),
	}
}

// Pages reads the accumulated pages, subscribing the calling effect.
func (iq *InfiniteQuery[T, P]) Pages() []T { return iq.pagesSig.Read() }

// Loading reads whether a page fetch is currently in flight.
func (iq *InfiniteQuery[T, P]) Loading() bool { return iq.loadingSig.Read() }

// Error reads the last page fetch's error, if any.
func (iq *InfiniteQuery[T, P]) Error() error { return iq.errSig.Read() }

// FetchNextPage fetches and appends the next page. If the reactive key has
// changed since the last call, accumulated pages are discarded and
// pagination restarts from InitialParam.
func (iq *InfiniteQuery[T, P]) FetchNextPage() {
	iq.mu.Lock()
	key := iq.cfg.Key().Encode()
	if key != iq.currentKey {
		iq.currentKey = key
		iq.pages = nil
		iq.pageParams = nil
		iq.pagesSig.Write(nil)
	}

	var param P
	if len(iq.pageParams) == 0 {
		param = iq.cfg.InitialParam
	} else if iq.cfg.GetNextParam != nil {
		next, ok := iq.cfg.GetNextParam(iq.pages[len(iq.pages)-1], iq.pages)
		if !ok {
			iq.mu.Unlock()
			return
		}
		param = next
	} else {
		iq.mu.Unlock()
		return
	}
	iq.generation++
	gen := iq.generation
	genKey := key
	iq.mu.Unlock()

	iq.loadingSig.Write(true)

	// Each page gets its own one-off Resource so the existing
	// cancellable-fetch machinery (abort, error handling) is reused rather
	// than reimplemented; it is disposed as soon as this page settles.
	res := resource.New(func(ct *reactive.CancelToken) (T, error) {
		return iq.cfg.FetchPage(param, ct)
	}, resource.Options[T]{})

	// The driver is an AsyncEffect whose initial run (and the reschedule
	// Refresh below triggers) only ever gets queued onto the scheduler's
	// microtask queue (see reactive.NewAsyncEffect and scheduleEffect): nothing
	// advances that queue but an explicit Flush from the executor. Pump it
	// here on both sides of Refresh, the same way every Resource/Query test
	// in this repo does, so the waiter channel below is guaranteed to make
	// progress instead of blocking forever on an unflushed queue.
	reactive.Flush()
	w := res.Refresh(false)
	reactive.Flush()
	<-w

	iq.mu.Lock()
	defer iq.mu.Unlock()
	defer res.Dispose()

	if gen != iq.generation || genKey != iq.cfg.Key().Encode() {
		// Superseded by a later FetchNextPage call or a key change while
		// this page was in flight: discard.
		iq.loadingSig.Write(false)
		return
	}

	data := res.Data()
	if err := res.Error(); err != nil {
		iq.errSig.Write(err)
		iq.loadingSig.Write(false)
		return
	}

	iq.pages = append(iq.pages, data.Value)
	iq.pageParams = append(iq.pageParams, param)
	snapshot := make([]T, len(iq.pages))
	copy(snapshot, iq.pages)
	iq.pagesSig.Write(snapshot)
	iq.loadingSig.Write(false)
}
