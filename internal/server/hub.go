package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/pkg/logger"
)

// ClientCookie carries the client id minted on a page's first navigation.
const ClientCookie = "ngsw-client"

const (
	// DefaultClientTTL is how long an HTTP-only client counts as alive
	// after its last request.
	DefaultClientTTL = 24 * time.Hour
	writeTimeout     = 5 * time.Second
)

// MessageHandler processes a decoded client message.
type MessageHandler func(ctx context.Context, clientID string, msg driver.Message) error

type hubClient struct {
	url  string
	seen time.Time
	conn *cws.Conn
}

// Hub tracks controlled pages. Pages that keep a websocket open receive
// driver events; pages that only make HTTP requests are remembered for
// the TTL so their version pin survives cache cleanup.
type Hub struct {
	log      logger.Logger
	ttl      time.Duration
	now      func() time.Time
	notifier *RPCNotifier

	mu        sync.Mutex
	clients   map[string]*hubClient
	onMessage MessageHandler
}

// NewHub creates a hub. A zero ttl means DefaultClientTTL.
func NewHub(l logger.Logger, ttl time.Duration, now func() time.Time) *Hub {
	if l == nil {
		l = logger.NewNopLogger()
	}
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Hub{log: l, ttl: ttl, now: now, clients: map[string]*hubClient{}}
}

// OnMessage sets the handler for inbound messages.
func (h *Hub) OnMessage(fn MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

// mirror forwards every outbound event to admin subscribers.
func (h *Hub) mirror(n *RPCNotifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifier = n
}

// Touch records activity for id.
func (h *Hub) Touch(id, url string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		c = &hubClient{}
		h.clients[id] = c
	}
	c.seen = h.now()
	if url != "" {
		c.url = url
	}
}

// MatchAll lists connected clients and HTTP clients seen within the TTL,
// sorted by id. Expired entries are dropped.
func (h *Hub) MatchAll(context.Context) ([]driver.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-h.ttl)
	out := make([]driver.Client, 0, len(h.clients))
	for id, c := range h.clients {
		if c.conn == nil && c.seen.Before(cutoff) {
			delete(h.clients, id)
			continue
		}
		out = append(out, driver.Client{ID: id, URL: c.url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PostMessage sends msg to the client's websocket. Clients without one
// get driver.ErrClientGone.
func (h *Hub) PostMessage(ctx context.Context, id string, msg any) error {
	h.mu.Lock()
	var conn *cws.Conn
	if c, ok := h.clients[id]; ok {
		conn = c.conn
	}
	notifier := h.notifier
	h.mu.Unlock()

	if notifier != nil {
		notifier.Broadcast(MethodDriverEvent, &EventNotification{Client: id, Event: msg})
	}
	if conn == nil {
		return driver.ErrClientGone
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		return errors.Join(driver.ErrClientGone, err)
	}
	return nil
}

// Broadcast posts msg to every connected client.
func (h *Hub) Broadcast(ctx context.Context, msg any) {
	clients, _ := h.MatchAll(ctx)
	for _, c := range clients {
		_ = h.PostMessage(ctx, c.ID, msg)
	}
}

// Connected returns the number of open websockets.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if c.conn != nil {
			n++
		}
	}
	return n
}

func (h *Hub) attach(id string, conn *cws.Conn, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		c = &hubClient{}
		h.clients[id] = c
	}
	if c.conn != nil {
		_ = c.conn.Close(cws.StatusPolicyViolation, "replaced by a newer connection")
	}
	c.conn = conn
	c.seen = h.now()
	if url != "" {
		c.url = url
	}
}

func (h *Hub) detach(id string, conn *cws.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok && c.conn == conn {
		c.conn = nil
		c.seen = h.now()
	}
}

// ServeHTTP upgrades a page's connection. The client id comes from the
// "client" query parameter or the client cookie.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client")
	if id == "" {
		if ck, err := r.Cookie(ClientCookie); err == nil {
			id = ck.Value
		}
	}
	if id == "" {
		http.Error(w, "error: missing client id", http.StatusBadRequest)
		return
	}
	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		h.log.Warning("websocket accept failed for client %s: %v", id, err)
		return
	}
	h.attach(id, conn, r.Header.Get("Referer"))
	defer h.detach(id, conn)

	ctx := r.Context()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if s := cws.CloseStatus(err); s != cws.StatusNormalClosure && s != cws.StatusGoingAway {
				h.log.Info("client %s disconnected: %v", id, err)
			}
			return
		}
		msg, err := driver.DecodeMessage(raw)
		if err != nil {
			h.log.Warning("client %s sent an invalid message: %v", id, err)
			continue
		}
		h.mu.Lock()
		handle := h.onMessage
		h.mu.Unlock()
		if handle == nil {
			continue
		}
		h.safeGo(func() {
			if err := handle(context.WithoutCancel(ctx), id, msg); err != nil {
				h.log.Warning("message %s from client %s: %v", msg.Action(), id, err)
			}
		})
	}
}

func (h *Hub) safeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("panic in message handler: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

var _ driver.Clients = (*Hub)(nil)
