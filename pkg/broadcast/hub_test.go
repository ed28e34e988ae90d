package broadcast_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corewire/reactor/pkg/broadcast"
	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/reactive"
	"github.com/corewire/reactor/pkg/resource"
	"github.com/corewire/reactor/pkg/scope"
)

func dialPeer(t *testing.T, wsURL, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?id="+id, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_RemoteInvalidationAppliesLocallyAndRevalidates(t *testing.T) {
	c := cache.New()
	hub := broadcast.NewHub(c)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(r.URL.Query().Get("id"), w, r)
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	var fetches atomic.Int32
	sc := scope.New(nil)
	defer sc.Dispose()
	scope.With(sc, func() {
		cache.CreateWithScope(c, sc, cache.StringKey("k"), func(ct *reactive.CancelToken) (string, error) {
			fetches.Add(1)
			return "v", nil
		}, resource.Options[string]{}, cache.EntryOptions{Tags: []string{"t"}, Persist: true})
	})
	reactive.Flush()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fetches.Load() < 1 {
		time.Sleep(5 * time.Millisecond)
		reactive.Flush()
	}
	if fetches.Load() < 1 {
		t.Fatalf("expected an initial fetch, got %d", fetches.Load())
	}

	peerA := dialPeer(t, wsURL, "a")
	peerA.WriteMessage(websocket.TextMessage, []byte(`{"kind":"tag","tag":"t","revalidate":true,"force":true}`))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fetches.Load() < 2 {
		// The remote invalidation schedules the driver rerun onto the
		// microtask queue; pump it between polls.
		time.Sleep(10 * time.Millisecond)
		reactive.Flush()
	}
	if fetches.Load() < 2 {
		t.Fatalf("expected the remote tag invalidation to trigger a revalidating refetch, got %d fetches", fetches.Load())
	}
}

func TestHub_RelaysToOtherPeersButNotTheOrigin(t *testing.T) {
	c := cache.New()
	hub := broadcast.NewHub(c)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(r.URL.Query().Get("id"), w, r)
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	peerA := dialPeer(t, wsURL, "a")
	peerB := dialPeer(t, wsURL, "b")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && hub.PeerCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	peerA.WriteMessage(websocket.TextMessage, []byte(`{"kind":"tag","tag":"anything"}`))

	peerB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peerB.ReadMessage()
	if err != nil {
		t.Fatalf("expected peer B to receive the relayed invalidation: %v", err)
	}
	if !strings.Contains(string(data), "anything") {
		t.Fatalf("unexpected relayed payload: %s", data)
	}

	peerA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := peerA.ReadMessage(); err == nil {
		t.Fatal("expected peer A (the origin) to NOT receive its own invalidation echoed back")
	}
}
