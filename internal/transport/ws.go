// Package transport provides a minimal websocket broadcast hub that
// exposes the event bus to external observers (dashboards, ops tooling).
// The HTTP/WebSocket surface's authentication and RPC shape are outside
// this system's boundary (§1, §6) — this hub only pushes already-public
// bus events to whatever connects.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/roboserve/internal/bus"
)

// Hub accepts websocket clients and fans out every bus event it receives
// via Send (it implements bus.Sink) to all currently connected clients.
type Hub struct {
	allowOrigins []string
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewHub creates a Hub. allowOrigins is forwarded to websocket.AcceptOptions;
// empty means same-origin only.
func NewHub(allowOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{allowOrigins: allowOrigins, logger: logger, clients: map[*hubClient]struct{}{}}
}

// ServeHTTP upgrades the connection and holds it open until the client
// disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowOrigins,
	})
	if err != nil {
		return
	}
	c := &hubClient{conn: conn}
	h.addClient(c)
	h.logger.Info("ws: client connected", slog.Int("clients", h.count()))
	defer func() {
		h.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Send implements bus.Sink: broadcast event to every connected client.
func (h *Hub) Send(ctx context.Context, event bus.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.write(ctx, event); err != nil {
			h.logger.Warn("ws: broadcast write failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *hubClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (h *Hub) addClient(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
