package devtools_test

import (
	"strings"
	"testing"

	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/devtools"
	"github.com/corewire/reactor/pkg/query"
	"github.com/corewire/reactor/pkg/scope"
)

func TestRender_ReflectsLiveScopesAndCacheStats(t *testing.T) {
	client := query.NewClient(cache.New())
	m := devtools.New(client)
	defer m.Close()

	sc := scope.New(nil)

	out := m.Render()
	if !strings.Contains(out, "1 live") {
		t.Fatalf("expected one live scope in the render, got: %s", out)
	}

	sc.Dispose()
	out = m.Render()
	if !strings.Contains(out, "0 live") {
		t.Fatalf("expected zero live scopes after dispose, got: %s", out)
	}
	if !strings.Contains(out, "1 disposed") {
		t.Fatalf("expected one disposed scope recorded, got: %s", out)
	}
}
