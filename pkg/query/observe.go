package query

import (
	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/resource"
	"github.com/corewire/reactor/pkg/scope"
)

// Snapshot is what Observe hands to a listener on every change.
type Snapshot[T any] struct {
	Status resource.Status
	Data   resource.Option[T]
	Error  error
}

// Observe registers listener to run whenever q's underlying resource
// changes (key swaps, data or error changes). Status is sampled into each
// snapshot but not tracked, so a loading/fetching flip on its own does not
// fire the listener. With
// immediate=true, listener also fires once synchronously-scheduled with
// the query's current state on registration; with immediate=false, the
// first effect run (which always happens, to establish tracking) is
// suppressed and listener only fires on subsequent changes. Returns an
// unsubscribe func.
func Observe[T any](q *Query[T], listener func(Snapshot[T]), immediate bool) (unsubscribe func()) {
	sc := scope.New(scope.Current())
	first := true

	scope.With(sc, func() {
		reactive.NewEffect(func() {
			res := q.computed.Read()
			snap := Snapshot[T]{Status: res.Status(), Data: res.Data(), Error: res.Error()}

			if first {
				first = false
				if !immediate {
					return
				}
			}
			listener(snap)
		})
	})

	return func() { sc.Dispose() }
}
