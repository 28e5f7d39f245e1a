package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koalax/agent/internal/logging"
	"github.com/koalax/agent/internal/uuid"
)

// Control message types.
const (
	TypeClearCache     = "CLEAR_CACHE"
	TypeCacheCleared   = "CACHE_CLEARED"
	TypeSkipWaiting    = "SKIP_WAITING"
	TypeSkippedWaiting = "SKIPPED_WAITING"
	TypeSyncNow        = "SYNC_NOW"
	TypeSyncStarted    = "SYNC_STARTED"
	TypeEnqueue        = "ENQUEUE"
	TypeEnqueued       = "ENQUEUED"
	TypeNotification   = "NOTIFICATION"
	TypeError          = "ERROR"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Message is the envelope exchanged on the control channel.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Level     Level           `json:"level,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Ack builds the reply of type typ to req. A nil err produces ok=true.
func Ack(req Message, typ string, err error) Message {
	ok := err == nil
	m := Message{Type: typ, ID: req.ID, OK: &ok}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// Handler answers one control message. A reply with an empty Type is not sent.
type Handler func(ctx context.Context, msg Message) Message

// Hub tracks connected control-channel clients, broadcasts notifications to
// all of them and dispatches their requests to a Handler.
type Hub struct {
	handler  Handler
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	clients map[*client]struct{}
	count   atomic.Int32
	pumps   sync.WaitGroup
}

// NewHub creates a Hub. allowedOrigins lists extra browser origins allowed to
// connect; same-host origins and non-browser clients are always accepted.
func NewHub(handler Handler, allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &Hub{
		handler:    handler,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
	}
	return h
}

// SetHandler replaces the control message handler. It must be called before
// the first client connects.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// Run owns the client set until ctx is cancelled. It returns once every
// client's read pump has stopped, so no handler call outlives it.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.pumps.Add(1)
			logging.Debug("control client connected", map[string]interface{}{"client": c.id})

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.count.Add(-1)
				c.close()
				logging.Debug("control client disconnected", map[string]interface{}{"client": c.id})
			}

		case b := <-h.broadcast:
			for c := range h.clients {
				if !c.push(b) {
					// Slow or closing client; the read pump unregisters it.
					c.conn.Close()
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
				c.conn.Close()
			}
			h.count.Store(0)
			close(h.done)
			h.pumps.Wait()
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg Message) {
	b, err := encode(msg)
	if err != nil {
		logging.Error("failed to encode broadcast", err, map[string]interface{}{"type": msg.Type})
		return
	}
	select {
	case h.broadcast <- b:
	case <-h.done:
	}
}

// Notify implements Notifier by broadcasting a NOTIFICATION message.
func (h *Hub) Notify(_ context.Context, n Notification) {
	msg := Message{
		Type:    TypeNotification,
		Level:   n.Level,
		Title:   n.Title,
		Message: n.Message,
	}
	if !n.Time.IsZero() {
		msg.Timestamp = n.Time.UnixMilli()
	}
	h.Broadcast(msg)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("control channel upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &client{
		id:   uuid.New(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(context.WithoutCancel(r.Context()))
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// push queues b without blocking. It reports false when the buffer is full or
// the client is closed.
func (c *client) push(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.hub.pumps.Done()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("control channel read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			reply := Message{Type: TypeError, Error: "invalid message"}
			if err != nil {
				reply.Error = "invalid message: " + err.Error()
			}
			c.reply(reply)
			continue
		}

		if c.hub.handler == nil {
			c.reply(Message{Type: TypeError, ID: msg.ID, Error: "unsupported message type " + msg.Type})
			continue
		}
		if reply := c.hub.handler(ctx, msg); reply.Type != "" {
			c.reply(reply)
		}
	}
}

func (c *client) reply(msg Message) {
	b, err := encode(msg)
	if err != nil {
		logging.Error("failed to encode reply", err, map[string]interface{}{"type": msg.Type})
		return
	}
	if !c.push(b) {
		logging.Warn("dropped control reply", map[string]interface{}{"client": c.id, "type": msg.Type})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
