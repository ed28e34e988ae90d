package query

import (
	"sync"
	"time"

	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/resource"
	"github.com/corewire/reactor/pkg/scope"
)

// Config describes a key-reactive query.
type Config[T any] struct {
	// Key is read inside the query's internal computed, so changes to any
	// signal it reads recreate the underlying cached resource entry.
	Key func() cache.Key

	Fetch   resource.FetchFunc[T]
	Options resource.Options[T]
	Cache   cache.EntryOptions

	// StaleTimeMs, if set, schedules a non-forced refresh this many
	// milliseconds after each successful fetch, guarded by the key that
	// was active when the timer was armed so a key change cancels it.
	StaleTimeMs int64
}

// Query instantiates a cached resource inside a Computed so key changes
// reactively swap the underlying cache entry. A keep-alive Effect re-reads
// that Computed so the binding holds even if nobody ever reads Data().
type Query[T any] struct {
	client *Client
	cfg    Config[T]

	computed  *reactive.Computed[*resource.Resource[T]]
	keepAlive *reactive.Effect
	scope     *scope.Scope

	mu      sync.Mutex
	lastKey string
	lastRef queryHandle
}

// New creates a query bound to the scope current at call time (if any);
// that scope's cleanup disposes the keep-alive effect, and the cache refs
// the query acquired (one per key it has used) belong to that scope and are
// released when it disposes.
func New[T any](client *Client, cfg Config[T]) *Query[T] {
	owningScope := scope.Current()
	q := &Query[T]{client: client, cfg: cfg, scope: owningScope}

	q.computed = reactive.NewComputed(func() *resource.Resource[T] {
		key := cfg.Key()
		encoded := key.Encode()

		var res *resource.Resource[T]
		fopts := applyStaleTime(cfg, owningScope, encoded, &res)
		// CreateWithScope, not Create: scope.Current() is nil inside this
		// compute_fn (a Computed's recompute always overrides the active
		// scope to nil, see pkg/reactive), but the ref this Create
		// acquires must belong to the query's real owning scope so the
		// cache entry's lifetime tracks the query's, not "no scope".
		res = cache.CreateWithScope(client.cache, owningScope, key, cfg.Fetch, fopts, cfg.Cache)

		ref := &queryRef[T]{q: q, res: res}
		q.mu.Lock()
		prevKey, prevRef := q.lastKey, q.lastRef
		q.lastKey, q.lastRef = encoded, ref
		q.mu.Unlock()
		if prevRef != nil && prevKey != encoded {
			client.untrack(prevKey, prevRef)
		}
		client.track(encoded, ref)
		return res
	})

	q.keepAlive = reactive.NewEffect(func() {
		q.computed.Read()
	})
	if owningScope != nil {
		owningScope.OnCleanup(q.keepAlive.Dispose)
	}
	return q
}

// NewGlobal creates a persistent query: its underlying cache entry survives
// ref_count reaching 0 (equivalent to New with cfg.Cache.Persist forced
// true).
func NewGlobal[T any](client *Client, cfg Config[T]) *Query[T] {
	cfg.Cache.Persist = true
	return New(client, cfg)
}

// Resource returns the currently active underlying resource, subscribing
// the calling effect to key changes the same way Data would.
func (q *Query[T]) Resource() *resource.Resource[T] {
	return q.computed.Read()
}

// Data reads the current resource's data, subscribing to both key changes
// and data changes.
func (q *Query[T]) Data() resource.Option[T] {
	return q.computed.Read().Data()
}

// Status derives the current resource's status without extra subscription
// beyond what Resource already established.
func (q *Query[T]) Status() resource.Status {
	return q.computed.Peek().Status()
}

// Refresh requests a new run of the currently active resource.
func (q *Query[T]) Refresh(force bool) <-chan struct{} {
	return q.computed.Peek().Refresh(force)
}

// Cancel aborts the currently active resource's in-flight fetch.
func (q *Query[T]) Cancel() {
	q.computed.Peek().Cancel()
}

// Dispose tears down the query's keep-alive effect ahead of its owning
// scope's own disposal, for callers that want to drop a query early. It does
// not release the query's cache refs; those stay held until the owning
// scope disposes.
func (q *Query[T]) Dispose() {
	q.keepAlive.Dispose()
}

// queryRef adapts a Query[T] (plus the specific resource snapshot it was
// tracked under) to the client registry's type-erased queryHandle.
type queryRef[T any] struct {
	q   *Query[T]
	res *resource.Resource[T]
}

func (r *queryRef[T]) Cancel()            { r.res.Cancel() }
func (r *queryRef[T]) Refetch(force bool) { r.res.Refresh(force) }

// applyStaleTime wraps cfg.Options.OnSuccess (if StaleTimeMs is set) with a
// timer that issues a non-forced refresh once it fires, unless the query's
// key has since changed away from encoded. resPtr is filled in by the
// caller immediately after cache.CreateWithScope returns, before any fetch can
// possibly have settled.
func applyStaleTime[T any](cfg Config[T], owningScope *scope.Scope, encoded string, resPtr **resource.Resource[T]) resource.Options[T] {
	opts := cfg.Options
	if cfg.StaleTimeMs <= 0 {
		return opts
	}
	userOnSuccess := opts.OnSuccess
	opts.OnSuccess = func(v T) {
		if userOnSuccess != nil {
			userOnSuccess(v)
		}
		timer := time.AfterFunc(time.Duration(cfg.StaleTimeMs)*time.Millisecond, func() {
			if cfg.Key().Encode() != encoded {
				return
			}
			if r := *resPtr; r != nil {
				r.Refresh(false)
			}
		})
		if owningScope != nil {
			owningScope.OnCleanup(func() { timer.Stop() })
		}
	}
	return opts
}

// Prefetch warms the cache for cfg without keeping any query alive beyond
// the call: it creates a throwaway scope, instantiates the query inside it
// to populate the cache entry, requests a fetch, and returns a release
// function the caller invokes once it no longer needs the warmed entry
// held (e.g. after handing off to a real Query that will acquire its own
// ref first).
func Prefetch[T any](client *Client, cfg Config[T]) (release func()) {
	sc := scope.New(nil)
	var q *Query[T]
	scope.With(sc, func() {
		q = New(client, cfg)
	})
	q.Refresh(false)
	return func() { sc.Dispose() }
}
