package query

import (
	"fmt"
	"reflect"

	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/reactive"
)

// selectorEntry is the shared, ref-counted Computed behind every Select
// call memoized onto the same (key, selector) pair. computed is stored as
// `any` holding a *reactive.Computed[R] because a single map must hold
// entries for arbitrarily different R.
type selectorEntry struct {
	computed any
	refCount int
}

// Select returns a computed derivation of key's cached data through
// selector, memoized by (encoded key, selector identity) so repeated calls
// with the same selector function share one underlying Computed instead of
// recomputing independently. The returned release func must be called
// exactly once when the caller no longer needs the derivation; the shared
// Computed is dropped once no consumer remains.
func Select[T, R any](client *Client, key cache.Key, selector func(T) R) (*reactive.Computed[R], func()) {
	memoKey := fmt.Sprintf("%s#%x", key.Encode(), reflect.ValueOf(selector).Pointer())

	client.selMu.Lock()
	entry, ok := client.selectors[memoKey]
	if !ok {
		c := reactive.NewComputed(func() R {
			v, _ := cache.GetData[T](client.cache, key)
			return selector(v)
		})
		entry = &selectorEntry{computed: c}
		client.selectors[memoKey] = entry
	}
	entry.refCount++
	client.selMu.Unlock()

	computed, ok := entry.computed.(*reactive.Computed[R])
	if !ok {
		// Same (key, selector-identity) memo key reused with a different R;
		// this only happens if a caller reuses a selector closure across
		// incompatible result types, which is a programming error. Hand
		// back a fresh, unshared Computed rather than panicking.
		computed = reactive.NewComputed(func() R {
			v, _ := cache.GetData[T](client.cache, key)
			return selector(v)
		})
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		client.selMu.Lock()
		entry.refCount--
		if entry.refCount <= 0 {
			delete(client.selectors, memoKey)
		}
		client.selMu.Unlock()
	}
	return computed, release
}
