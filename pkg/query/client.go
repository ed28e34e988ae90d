// Package query is a thin, composition-only layer binding pkg/resource and
// pkg/cache into key-reactive queries: a Query recreates its underlying
// cached resource whenever its reactive key changes, without requiring a
// caller to read Data() just to keep that binding alive.
package query

import (
	"strings"
	"sync"

	"github.com/corewire/reactor/pkg/cache"
)

// queryHandle is the type-erased surface the client's registry holds so
// FindQueries/CancelQueries/RefetchQueries can operate across queries of
// different T without the registry itself being generic.
type queryHandle interface {
	Cancel()
	Refetch(force bool)
}

// Client wraps a cache.Cache with a registry of live queries, enabling
// filter-based bulk operations (cancel_queries, refetch_queries,
// find_queries) across every query created through it.
type Client struct {
	cache *cache.Cache

	mu       sync.Mutex
	registry map[string]queryHandle

	selMu     sync.Mutex
	selectors map[string]*selectorEntry
}

// NewClient wraps an existing cache. Most hosts share one Client (and one
// underlying Cache) process-wide, per the design notes' "global mutable
// state" section.
func NewClient(c *cache.Cache) *Client {
	return &Client{
		cache:     c,
		registry:  make(map[string]queryHandle),
		selectors: make(map[string]*selectorEntry),
	}
}

// Cache exposes the underlying cache for collaborators that need direct
// access (e.g. devtools inspection).
func (c *Client) Cache() *cache.Cache { return c.cache }

func (c *Client) track(encoded string, h queryHandle) {
	c.mu.Lock()
	c.registry[encoded] = h
	c.mu.Unlock()
}

func (c *Client) untrack(encoded string, h queryHandle) {
	c.mu.Lock()
	if cur, ok := c.registry[encoded]; ok && cur == h {
		delete(c.registry, encoded)
	}
	c.mu.Unlock()
}

// Filter selects a subset of tracked query keys for CancelQueries,
// RefetchQueries, and FindQueries. A zero Filter matches everything.
type Filter struct {
	KeyPrefix string
	Predicate func(encodedKey string) bool
}

func (f Filter) matches(key string) bool {
	if f.KeyPrefix != "" && !strings.HasPrefix(key, f.KeyPrefix) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(key) {
		return false
	}
	return true
}

// FindQueries returns the encoded keys of every currently tracked query
// matching filter.
func (c *Client) FindQueries(filter Filter) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.registry))
	for k := range c.registry {
		if filter.matches(k) {
			out = append(out, k)
		}
	}
	return out
}

// CancelQueries aborts the in-flight fetch of every query matching filter.
func (c *Client) CancelQueries(filter Filter) {
	for _, k := range c.FindQueries(filter) {
		c.mu.Lock()
		h := c.registry[k]
		c.mu.Unlock()
		if h != nil {
			h.Cancel()
		}
	}
}

// RefetchQueries triggers a refresh of every query matching filter.
func (c *Client) RefetchQueries(filter Filter, force bool) {
	for _, k := range c.FindQueries(filter) {
		c.mu.Lock()
		h := c.registry[k]
		c.mu.Unlock()
		if h != nil {
			h.Refetch(force)
		}
	}
}

// GetQueryData reads a cached query's current data without affecting
// hit/miss stats. The read goes through the resource's data signal, so a
// calling effect or computed is subscribed to it. Returns ok=false on a
// CacheMiss.
func GetQueryData[T any](c *Client, key cache.Key) (T, bool) {
	return cache.GetData[T](c.cache, key)
}

// SetQueryData writes directly into a cached query's resource, bypassing
// its fetch function. Returns false if the key is absent.
func SetQueryData[T any](c *Client, key cache.Key, v T) bool {
	return cache.SetData(c.cache, key, v)
}

// InvalidateKey marks a single cached entry stale and optionally
// revalidates it.
func (c *Client) InvalidateKey(key cache.Key, opts cache.InvalidateOptions) {
	c.cache.Invalidate(key, opts)
}

// InvalidateTag invalidates every cached entry carrying tag.
func (c *Client) InvalidateTag(tag string, opts cache.InvalidateOptions) {
	c.cache.InvalidateTag(tag, opts)
}

// InvalidateTags invalidates every cached entry carrying any of tags.
func (c *Client) InvalidateTags(tags []string, opts cache.InvalidateOptions) {
	c.cache.InvalidateTags(tags, opts)
}
