// Package broadcast fans cache invalidations out to every other connected
// peer over a websocket, so multiple tabs/processes sharing a logical cache
// (e.g. a dev server and its browser tabs) stay in sync without each peer
// polling the others. It knows nothing about the reactive graph directly;
// it only calls into pkg/cache's own Invalidate/InvalidateTag.
package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corewire/reactor/pkg/cache"
)

// msgKind distinguishes the three invalidation shapes the cache exposes.
type msgKind string

const (
	msgKey  msgKind = "key"
	msgTag  msgKind = "tag"
	msgTags msgKind = "tags"
)

type wireMessage struct {
	Kind       msgKind  `json:"kind"`
	Key        string   `json:"key,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Revalidate bool     `json:"revalidate,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// Hub holds the set of connected peers and the cache their invalidations
// apply to. The zero value is not usable; construct with NewHub.
type Hub struct {
	cache    *cache.Cache
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

type peer struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeChan chan struct{}
}

// NewHub wraps c with a websocket fan-out hub.
func NewHub(c *cache.Cache) *Hub {
	return &Hub{
		cache: c,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		peers: make(map[string]*peer),
	}
}

// HandleWebSocket upgrades r and registers the resulting connection as a
// peer identified by id (the caller's choice, e.g. a session or tab id).
func (h *Hub) HandleWebSocket(id string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broadcast: upgrade failed: %v", err)
		return
	}

	p := &peer{id: id, conn: conn, send: make(chan []byte, 64), closeChan: make(chan struct{})}
	h.mu.Lock()
	if old, exists := h.peers[id]; exists {
		old.conn.Close()
	}
	h.peers[id] = p
	h.mu.Unlock()

	go h.writer(p)
	go h.reader(p)
}

func (h *Hub) writer(p *peer) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.closeChan:
			return
		}
	}
}

func (h *Hub) reader(p *peer) {
	defer h.removePeer(p)

	p.conn.SetReadDeadline(time.Now().Add(300 * time.Second))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(300 * time.Second))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("broadcast: peer %s closed unexpectedly: %v", p.id, err)
			}
			return
		}
		h.applyRemote(p.id, data)
	}
}

func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	if cur, ok := h.peers[p.id]; ok && cur == p {
		delete(h.peers, p.id)
	}
	h.mu.Unlock()

	select {
	case <-p.closeChan:
	default:
		close(p.closeChan)
	}
}

// applyRemote decodes an inbound invalidation from originID, applies it to
// the local cache directly (never through InvalidateKey/Tag/Tags, so this
// application cannot itself trigger another outbound broadcast call), then
// relays it to every OTHER connected peer. originID is excluded from the
// relay (the echo-guard) so the peer that sent this message never
// receives its own invalidation bounced back, which would otherwise let a
// two-peer ring ping-pong the same message forever.
func (h *Hub) applyRemote(originID string, data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("broadcast: malformed message from %s: %v", originID, err)
		return
	}

	opts := cache.InvalidateOptions{Revalidate: msg.Revalidate, Force: msg.Force}
	switch msg.Kind {
	case msgKey:
		h.cache.Invalidate(cache.RawEncodedKey(msg.Key), opts)
	case msgTag:
		h.cache.InvalidateTag(msg.Tag, opts)
	case msgTags:
		h.cache.InvalidateTags(msg.Tags, opts)
	}

	h.relay(msg, originID)
}

// InvalidateKey invalidates key locally and broadcasts it to every
// connected peer.
func (h *Hub) InvalidateKey(key cache.Key, opts cache.InvalidateOptions) {
	h.cache.Invalidate(key, opts)
	h.relay(wireMessage{Kind: msgKey, Key: key.Encode(), Revalidate: opts.Revalidate, Force: opts.Force}, "")
}

// InvalidateTag invalidates tag locally and broadcasts it to every
// connected peer.
func (h *Hub) InvalidateTag(tag string, opts cache.InvalidateOptions) {
	h.cache.InvalidateTag(tag, opts)
	h.relay(wireMessage{Kind: msgTag, Tag: tag, Revalidate: opts.Revalidate, Force: opts.Force}, "")
}

// InvalidateTags invalidates tags locally and broadcasts it to every
// connected peer.
func (h *Hub) InvalidateTags(tags []string, opts cache.InvalidateOptions) {
	h.cache.InvalidateTags(tags, opts)
	h.relay(wireMessage{Kind: msgTags, Tags: tags, Revalidate: opts.Revalidate, Force: opts.Force}, "")
}

// relay sends msg to every connected peer other than excludeID ("" excludes
// no one).
func (h *Hub) relay(msg wireMessage, excludeID string) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id == excludeID {
			continue
		}
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	if len(peers) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast: encode failed: %v", err)
		return
	}
	for _, p := range peers {
		select {
		case p.send <- data:
		default:
			log.Printf("broadcast: peer %s send buffer full, dropping invalidation", p.id)
		}
	}
}

// PeerCount reports the number of currently connected peers, for devtools.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
