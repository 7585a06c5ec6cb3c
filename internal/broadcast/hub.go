package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one message on the live feed. It mirrors the durable audit
// record but is delivered best-effort after commit.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	TaskID    int64          `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const (
	// sendBuffer is how far a connection may lag before it is dropped.
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Hub fans committed events out to websocket observers. Each connection
// gets a buffered channel drained by its own writer goroutine, so one
// slow or dead observer never delays the writer that published or the
// other observers. Delivery is best-effort: a full buffer or a write
// error drops the connection, and observers resync through the read API.
type Hub struct {
	Log *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws   *websocket.Conn
	send chan Event
	once sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		Log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: map[*conn]struct{}{},
	}
}

// Publish enqueues an event to every connection without blocking. Must
// only be called after the change it describes has committed.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	var stale []*conn
	for c := range h.conns {
		select {
		case c.send <- evt:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	for _, c := range stale {
		h.Log.Warn("dropping slow websocket observer", "addr", c.ws.RemoteAddr())
		c.close()
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop is the only goroutine that writes to the socket, which
// keeps per-connection delivery FIFO in committed order.
func (h *Hub) writeLoop(c *conn) {
	for evt := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(evt); err != nil {
			h.drop(c, err)
			return
		}
	}
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
	c.ws.Close()
}

// readLoop discards inbound frames; it exists to notice the peer
// closing the connection.
func (h *Hub) readLoop(c *conn) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			h.drop(c, err)
			return
		}
	}
}

func (h *Hub) drop(c *conn, err error) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if present {
		h.Log.Debug("websocket observer gone", "addr", c.ws.RemoteAddr(), "err", err)
	}
	c.close()
	c.ws.Close()
}

// Count reports the number of registered connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every connection, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*conn]struct{}{}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.send) })
}
