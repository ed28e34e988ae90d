// Package cache implements the keyed resource cache: TTL/LRU eviction, tag
// invalidation, scope-bound ref counts, and the safe-by-default rule that
// keeps an unscoped, non-persistent caller from growing the cache without
// bound.
//
// The cache sits above pkg/resource: each entry owns a dedicated cache
// scope with no parent, inside which the entry's Resource lives, so
// removing an entry is exactly "dispose that scope": it aborts any
// in-flight fetch and runs the resource's own teardown.
package cache

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/resource"
	"github.com/corewire/reactor/pkg/scope"
)

// debugLog mirrors the nil-by-default hook convention used throughout this
// module; see pkg/scope and pkg/reactive for the matching pattern.
var debugLog func(args ...interface{})

// SetDebugLog installs the package-wide debug logging hook.
func SetDebugLog(fn func(args ...interface{})) {
	debugLog = fn
}

// resourceHandle is the type-erased surface every cached entry's Resource[T]
// exposes regardless of T, so the cache's bookkeeping never needs to be
// generic itself.
type resourceHandle interface {
	Cancel()
	Refresh(force bool) <-chan struct{}
	Dispose()
}

// EntryOptions configures a single cache entry at Create time.
type EntryOptions struct {
	TTLMs   int64
	Tags    []string
	Persist bool

	// WarnIfNoScope and WarnPersistWithoutTTL default to true; set a
	// pointer to false to silence either warning for this entry.
	WarnIfNoScope         *bool
	WarnPersistWithoutTTL *bool

	// FetchScope, if set, is entered for the duration of the fetch
	// function's call so its synchronous reads (and any cleanups it
	// registers) attach to a caller-chosen scope instead of running
	// scopeless on the fetch's own goroutine.
	FetchScope *scope.Scope
}

type cacheEntry struct {
	key        string
	res        resourceHandle
	createdAt  time.Time
	ttlMs      int64
	tags       map[string]struct{}
	stale      bool
	refCount   int
	persist    bool
	cacheScope *scope.Scope
}

// Options configures the cache's global eviction policy.
type Options struct {
	// MaxEntries is the soft cap LRU eviction enforces. Zero leaves the
	// current setting (default 500) unchanged.
	MaxEntries int
	// WarnOnEviction, when non-nil, overrides whether evict_if_needed logs
	// when it cannot bring the cache back under MaxEntries. Default true.
	WarnOnEviction *bool
}

// Stats are hit/miss/eviction counters for inspection tooling.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	EntryCount int
}

const (
	defaultMaxEntries     = 500
	defaultWarnOnEviction = true
)

// Cache is the process-wide keyed resource cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	tagIndex map[string]map[string]struct{}

	// perScope is the PerScopeKeyMap from the design: one map per calling
	// scope, incremented once per scope per key and drained on that
	// scope's cleanup.
	perScope         map[*scope.Scope]map[string]*cacheEntry
	registeredScopes map[*scope.Scope]struct{}

	maxEntries     int
	warnOnEviction bool

	stats Stats
}

// New creates an empty cache with default configuration (max 500 entries,
// warn on eviction).
func New() *Cache {
	return &Cache{
		entries:          make(map[string]*cacheEntry),
		tagIndex:         make(map[string]map[string]struct{}),
		perScope:         make(map[*scope.Scope]map[string]*cacheEntry),
		registeredScopes: make(map[*scope.Scope]struct{}),
		maxEntries:       defaultMaxEntries,
		warnOnEviction:   defaultWarnOnEviction,
	}
}

// Configure updates the cache's global eviction policy.
func (c *Cache) Configure(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.MaxEntries > 0 {
		c.maxEntries = opts.MaxEntries
	}
	if opts.WarnOnEviction != nil {
		c.warnOnEviction = *opts.WarnOnEviction
	}
}

// Stats returns a snapshot of the cache's hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.EntryCount = len(c.entries)
	return s
}

// Create is a package-level generic function (Go methods cannot carry their
// own type parameters) implementing the cache's core create(key, fetch_fn,
// options) operation for a resource of type T.
//
// Safe-by-default: called with no scope current and Persist != true, this
// returns a plain, non-cached Resource (still fully functional) instead of
// growing the cache unboundedly, and logs a warning unless WarnIfNoScope is
// explicitly false.
func Create[T any](c *Cache, key Key, fetch resource.FetchFunc[T], fopts resource.Options[T], copts EntryOptions) *resource.Resource[T] {
	return CreateWithScope(c, scope.Current(), key, fetch, fopts, copts)
}

// CreateWithScope is Create with an explicit ref-holding scope instead of
// whatever scope.Current() reports. Collaborators that instantiate a
// cached resource from inside a Computed's compute_fn (pkg/query's Query,
// chiefly) need this: a Computed overrides the active scope to nil for
// the whole duration of its recompute (see pkg/reactive's design notes on
// computed scope independence), so scope.Current() there is always nil
// regardless of which scope logically owns the query.
func CreateWithScope[T any](c *Cache, callerScope *scope.Scope, key Key, fetch resource.FetchFunc[T], fopts resource.Options[T], copts EntryOptions) *resource.Resource[T] {
	encoded := key.Encode()

	if callerScope == nil && !copts.Persist {
		if warnEnabled(copts.WarnIfNoScope) {
			log.Printf("cache: Create(%q) called with no active scope and Persist=false; returning an uncached resource", encoded)
		}
		return resource.New(fetch, fopts)
	}

	c.mu.Lock()
	existing, hit := c.entries[encoded]
	c.mu.Unlock()

	if hit {
		if res, ok := existing.res.(*resource.Resource[T]); ok {
			if c.ttlExpired(existing) {
				c.mu.Lock()
				refZero := existing.refCount == 0
				c.mu.Unlock()
				if refZero {
					c.removeEntry(encoded, existing, false)
				} else {
					c.markStale(existing)
					res.Refresh(true)
					c.touch(existing)
					c.acquireForScope(callerScope, encoded, existing)
					c.recordHit()
					return res
				}
			} else {
				c.touch(existing)
				if copts.Tags != nil {
					c.setEntryTags(encoded, existing, copts.Tags)
				}
				if copts.Persist {
					existing.persist = true
				}
				c.acquireForScope(callerScope, encoded, existing)
				c.recordHit()
				return res
			}
		} else {
			log.Printf("cache: key %q reused with a different resource type; treating as a miss", encoded)
		}
	}

	return createMiss(c, encoded, callerScope, fetch, fopts, copts)
}

// createMiss is a free function, not a *Cache method, because Go methods
// cannot carry their own type parameters beyond the receiver's.
func createMiss[T any](c *Cache, encoded string, callerScope *scope.Scope, fetch resource.FetchFunc[T], fopts resource.Options[T], copts EntryOptions) *resource.Resource[T] {
	if copts.Persist && copts.TTLMs == 0 && warnEnabled(copts.WarnPersistWithoutTTL) {
		log.Printf("cache: entry %q created with Persist=true and no TTL; it will never expire or be evicted by ref count", encoded)
	}

	cacheScope := scope.New(nil)

	wrappedFetch := fetch
	if copts.FetchScope != nil {
		fs := copts.FetchScope
		wrappedFetch = func(ct *reactive.CancelToken) (T, error) {
			var v T
			var err error
			scope.WithAsync(fs, func() { v, err = fetch(ct) })
			return v, err
		}
	}

	var res *resource.Resource[T]
	scope.With(cacheScope, func() {
		res = resource.New(wrappedFetch, fopts)
	})

	e := &cacheEntry{
		key:        encoded,
		res:        res,
		createdAt:  time.Now(),
		ttlMs:      copts.TTLMs,
		persist:    copts.Persist,
		cacheScope: cacheScope,
	}

	c.mu.Lock()
	c.entries[encoded] = e
	c.mu.Unlock()

	c.setEntryTags(encoded, e, copts.Tags)
	c.acquireForScope(callerScope, encoded, e)
	c.recordMiss()
	if debugLog != nil {
		debugLog("[cache] miss, created entry", encoded)
	}
	c.evictIfNeeded()

	return res
}

func warnEnabled(p *bool) bool {
	return p == nil || *p
}

// GetData reads an entry's current data without marking a hit/miss or
// touching ref counts; returns the CacheMiss sentinel (ok=false) if the key
// is absent or was created for a different T.
func GetData[T any](c *Cache, key Key) (T, bool) {
	var zero T
	c.mu.Lock()
	e, ok := c.entries[key.Encode()]
	c.mu.Unlock()
	if !ok {
		return zero, false
	}
	res, ok := e.res.(*resource.Resource[T])
	if !ok {
		return zero, false
	}
	d := res.Data()
	if !d.Ok {
		return zero, false
	}
	return d.Value, true
}

// SetData writes v directly into the entry's resource, bypassing its fetch
// function. Returns false if the key is absent or was created for a
// different T.
func SetData[T any](c *Cache, key Key, v T) bool {
	c.mu.Lock()
	e, ok := c.entries[key.Encode()]
	c.mu.Unlock()
	if !ok {
		return false
	}
	res, ok := e.res.(*resource.Resource[T])
	if !ok {
		return false
	}
	res.SetData(v)
	return true
}

// Cancel aborts the in-flight fetch (if any) for key, leaving data/error as
// is. A no-op if the key is absent.
func (c *Cache) Cancel(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key.Encode()]
	c.mu.Unlock()
	if ok {
		e.res.Cancel()
	}
}

// InvalidateOptions controls invalidate/invalidate_tag(s) behavior.
type InvalidateOptions struct {
	Revalidate bool
	Force      bool
}

// Invalidate marks key's entry stale and, if Revalidate, triggers a refresh
// (force per opts.Force). A no-op if the key is absent.
func (c *Cache) Invalidate(key Key, opts InvalidateOptions) {
	c.mu.Lock()
	e, ok := c.entries[key.Encode()]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.markStale(e)
	if opts.Revalidate {
		e.res.Refresh(opts.Force)
	}
}

// InvalidateTag invalidates every entry tagged with tag.
func (c *Cache) InvalidateTag(tag string, opts InvalidateOptions) {
	c.mu.Lock()
	keys := c.tagIndex[tag]
	snapshot := make([]string, 0, len(keys))
	for k := range keys {
		snapshot = append(snapshot, k)
	}
	c.mu.Unlock()

	for _, k := range snapshot {
		c.mu.Lock()
		e, ok := c.entries[k]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.markStale(e)
		if opts.Revalidate {
			e.res.Refresh(opts.Force)
		}
	}
}

// InvalidateTags invalidates every entry tagged with any of tags.
func (c *Cache) InvalidateTags(tags []string, opts InvalidateOptions) {
	for _, t := range tags {
		c.InvalidateTag(t, opts)
	}
}

// Clear removes one entry (key != nil) or every entry (key == nil),
// disposing each removed entry's cache scope.
func (c *Cache) Clear(key *Key) {
	if key != nil {
		encoded := key.Encode()
		c.mu.Lock()
		e, ok := c.entries[encoded]
		c.mu.Unlock()
		if ok {
			c.removeEntry(encoded, e, false)
		}
		return
	}

	c.mu.Lock()
	all := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.entries = make(map[string]*cacheEntry)
	c.tagIndex = make(map[string]map[string]struct{})
	c.mu.Unlock()

	for _, e := range all {
		e.cacheScope.Dispose()
	}
}

// Keys returns the encoded form of every key currently in the cache.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// KeysByTag returns the encoded keys of every entry tagged with tag.
func (c *Cache) KeysByTag(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.tagIndex[tag]
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (c *Cache) markStale(e *cacheEntry) {
	c.mu.Lock()
	e.stale = true
	c.mu.Unlock()
}

func (c *Cache) touch(e *cacheEntry) {
	c.mu.Lock()
	e.createdAt = time.Now()
	e.stale = false
	c.mu.Unlock()
}

func (c *Cache) ttlExpired(e *cacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.ttlMs <= 0 {
		return false
	}
	return time.Since(e.createdAt) > time.Duration(e.ttlMs)*time.Millisecond
}

// setEntryTags diff-updates the tag index so it stays a two-way mapping
// between tags and keys, pruning any tag whose key set becomes empty.
func (c *Cache) setEntryTags(key string, e *cacheEntry, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		next[t] = struct{}{}
	}
	for t := range e.tags {
		if _, still := next[t]; !still {
			if m, ok := c.tagIndex[t]; ok {
				delete(m, key)
				if len(m) == 0 {
					delete(c.tagIndex, t)
				}
			}
		}
	}
	for t := range next {
		m, ok := c.tagIndex[t]
		if !ok {
			m = make(map[string]struct{})
			c.tagIndex[t] = m
		}
		m[key] = struct{}{}
	}
	e.tags = next
}

// acquireForScope records one reference from sc to e under key, idempotent
// per (scope, key) pair. A re-acquire with a different entry instance
// releases the previous one first (key replacement), and registers sc's
// cleanup exactly once so its whole per-scope map drains on dispose.
func (c *Cache) acquireForScope(sc *scope.Scope, key string, e *cacheEntry) {
	if sc == nil {
		// Persisted entries created with no calling scope (e.g. a
		// warm-up call at startup) simply aren't ref-tracked; persist
		// already exempts them from ref-count-triggered removal.
		return
	}

	c.mu.Lock()
	m, ok := c.perScope[sc]
	if !ok {
		m = make(map[string]*cacheEntry)
		c.perScope[sc] = m
	}
	prev, hadPrev := m[key]
	alreadyHeld := hadPrev && prev == e
	if !alreadyHeld {
		if hadPrev {
			prev.refCount--
		}
		e.refCount++
		m[key] = e
	}
	_, registered := c.registeredScopes[sc]
	if !registered {
		c.registeredScopes[sc] = struct{}{}
	}
	var toRelease *cacheEntry
	if hadPrev && !alreadyHeld && prev.refCount <= 0 && !prev.persist {
		toRelease = prev
	}
	c.mu.Unlock()

	if !registered {
		sc.OnCleanup(func() { c.releaseScope(sc) })
	}
	if toRelease != nil {
		c.removeEntry(toRelease.key, toRelease, false)
	}
}

// releaseScope drains sc's per-scope key map and releases every tracked
// entry, run as sc's own cleanup at dispose time.
func (c *Cache) releaseScope(sc *scope.Scope) {
	c.mu.Lock()
	m := c.perScope[sc]
	delete(c.perScope, sc)
	delete(c.registeredScopes, sc)
	c.mu.Unlock()

	for key, e := range m {
		c.mu.Lock()
		e.refCount--
		remove := e.refCount <= 0 && !e.persist
		c.mu.Unlock()
		if remove {
			c.removeEntry(key, e, false)
		}
	}
}

// removeEntry deletes key from the entry map (only if it still maps to e,
// which guards against removing an entry a concurrent miss already replaced
// it with), disposes its cache scope, and prunes the tag index.
func (c *Cache) removeEntry(key string, e *cacheEntry, evicted bool) {
	c.mu.Lock()
	cur, ok := c.entries[key]
	if !ok || cur != e {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	for t := range e.tags {
		if m, ok := c.tagIndex[t]; ok {
			delete(m, key)
			if len(m) == 0 {
				delete(c.tagIndex, t)
			}
		}
	}
	if evicted {
		c.stats.Evictions++
	}
	c.mu.Unlock()

	e.cacheScope.Dispose()
}

// evictIfNeeded implements LRU eviction: when the cache holds more than
// maxEntries, entries with ref_count==0 are sorted ascending by created_at
// (doubling as last-used) and the oldest are removed until at or below the
// limit. Referenced entries are never evicted by LRU, even past the limit.
func (c *Cache) evictIfNeeded() {
	c.mu.Lock()
	over := len(c.entries) - c.maxEntries
	if over <= 0 {
		c.mu.Unlock()
		return
	}
	candidates := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.refCount == 0 {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	if over > len(candidates) {
		over = len(candidates)
	}
	toRemove := candidates[:over]
	stillOver := len(c.entries)-len(toRemove) > c.maxEntries
	warn := c.warnOnEviction
	maxEntries := c.maxEntries
	c.mu.Unlock()

	for _, e := range toRemove {
		c.removeEntry(e.key, e, true)
	}

	if stillOver && warn {
		log.Printf("cache: still over max_entries (%d) after eviction; remaining entries are all referenced", maxEntries)
	}
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}
