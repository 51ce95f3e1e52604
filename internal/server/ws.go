package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/logging"
)

const (
	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 10 * time.Second

	// clientBuffer is the per-connection outbound event buffer. A
	// client that cannot drain this falls behind and reconciles via the
	// REST read path.
	clientBuffer = 256
)

// Hub fans bus events out to connected WebSocket clients. Each
// connection gets its own bus subscription, so one slow client never
// stalls another.
type Hub struct {
	bus *events.Bus
	log *logging.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]context.CancelFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub reading from the given bus.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus: bus,
		log: logging.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]context.CancelFunc),
	}
}

// Start binds the hub's connection lifetimes to ctx.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx, h.cancel = context.WithCancel(ctx)
}

// Close tears down every open connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	for conn, cancel := range h.conns {
		cancel()
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]context.CancelFunc)
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// handleWS handles GET /ws: upgrade, greet, then relay bus events
// until the client disconnects.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	parent := h.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	h.conns[conn] = cancel
	h.mu.Unlock()

	defer func() {
		cancel()
		conn.Close()
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	// Control messages from the client flow to the writer through
	// this channel so all writes stay on one goroutine.
	outbound := make(chan events.Event, 8)
	go h.readLoop(ctx, cancel, conn, outbound)

	sub := h.bus.Subscribe(clientBuffer)
	defer h.bus.Unsubscribe(sub)

	greeting := events.Event{
		Type: "connection-established",
		Data: map[string]any{"timestamp": time.Now().UTC()},
	}
	if err := h.write(conn, greeting); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-outbound:
			if err := h.write(conn, ev); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client messages. A {"type":"ping"} gets a pong;
// everything else is ignored. A read error ends the connection.
func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound chan<- events.Event) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong := events.Event{
				Type: "pong",
				Data: map[string]any{"timestamp": time.Now().UTC()},
			}
			select {
			case outbound <- pong:
			case <-ctx.Done():
				return
			}
		}
	}
}

// write sends one event with a bounded deadline.
func (h *Hub) write(conn *websocket.Conn, ev events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}
