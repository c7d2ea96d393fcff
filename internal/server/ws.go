package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Push event names.
const (
	EventGestureDetected = "gesture_detected"
	EventConnected       = "connected"
)

const (
	// writeWait is how long to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound client messages.
	maxMessageSize = 4096

	sendBuffer      = 32
	broadcastBuffer = 256
)

// ErrBroadcastFull is returned by Publish when the hub is not keeping up.
var ErrBroadcastFull = errors.New("broadcast queue full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow any origin
	},
}

// Event is one push notification. Plain websocket clients receive it as
// {"event": ..., "data": ...}; Socket.IO clients as an emitted event.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// GesturePayload is the data of a gesture_detected event.
type GesturePayload struct {
	Gesture string `json:"gesture"`
}

// subscriber is one connected client of any transport. The hub closes send
// when the subscriber is dropped or the hub stops.
type subscriber struct {
	id   string
	send chan Event
}

func newSubscriber() *subscriber {
	return &subscriber{
		id:   uuid.NewString(),
		send: make(chan Event, sendBuffer),
	}
}

func connectedEvent(id string) Event {
	return Event{Name: EventConnected, Data: map[string]string{"id": id}}
}

// Hub tracks connected push clients and broadcasts events to them.
type Hub struct {
	logger *slog.Logger

	clients    map[*subscriber]bool
	broadcast  chan Event
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

// NewHub creates a Hub. Run must be called before clients are served.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger.With("component", "hub"),
		clients:    make(map[*subscriber]bool),
		broadcast:  make(chan Event, broadcastBuffer),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for s := range h.clients {
				h.remove(s)
			}
			return

		case s := <-h.register:
			h.clients[s] = true
			h.setCount()
			h.logger.Info("client connected", "client", s.id, "clients", len(h.clients))

		case s := <-h.unregister:
			if h.clients[s] {
				h.remove(s)
				h.logger.Info("client disconnected", "client", s.id, "clients", len(h.clients))
			}

		case ev := <-h.broadcast:
			for s := range h.clients {
				select {
				case s.send <- ev:
				default:
					h.remove(s)
					h.logger.Warn("dropped slow client", "client", s.id)
				}
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	delete(h.clients, s)
	close(s.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// subscribe registers s. It reports false once the hub has stopped.
func (h *Hub) subscribe(s *subscriber) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unsubscribe(s *subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish queues ev for every connected client. It never blocks: when the
// queue is full the event is dropped and ErrBroadcastFull returned.
func (h *Hub) Publish(ev Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// PublishGesture broadcasts a gesture_detected event.
func (h *Hub) PublishGesture(name string) error {
	return h.Publish(Event{Name: EventGestureDetected, Data: GesturePayload{Gesture: name}})
}

// ServeHTTP upgrades the request to a plain websocket and serves it until
// the client goes away or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{sub: newSubscriber(), hub: h, conn: conn}
	c.sub.send <- connectedEvent(c.sub.id)

	if !h.subscribe(c.sub) {
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// wsClient is one plain websocket connection. Only writePump writes to conn.
type wsClient struct {
	sub  *subscriber
	hub  *Hub
	conn *websocket.Conn
}

// readPump discards client messages; reading keeps pong and close handling
// alive and detects disconnection.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				c.hub.logger.Warn("failed to encode event", "event", ev.Name, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
