// Package events streams registry lifecycle events to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"riskscreen/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Frame types sent to clients.
const (
	TypeEvent        = "event"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
)

// Message is the frame sent to clients. Event is set for TypeEvent frames,
// Subject for subscription acknowledgements.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Event     *registry.Event `json:"event,omitempty"`
	Subject   string          `json:"subject,omitempty"`
}

// ClientMessage lets a client narrow the stream to some subjects. A client
// with no subscriptions receives everything.
type ClientMessage struct {
	Type    string `json:"type"` // subscribe, unsubscribe
	Subject string `json:"subject"`
}

type outbound struct {
	subject string
	payload []byte
}

type subscription struct {
	client *client
	msg    ClientMessage
}

// client fields other than conn are owned by the hub goroutine.
type client struct {
	conn          *websocket.Conn
	send          chan []byte
	id            string
	subscriptions map[string]bool
}

func (c *client) wants(subject string) bool {
	// subject-less events (cache_cleared) go to everyone
	if len(c.subscriptions) == 0 || subject == "" {
		return true
	}
	return c.subscriptions[subject]
}

// Hub fans registry events out to connected clients. It implements
// registry.Listener.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	subscribe  chan subscription
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu    sync.RWMutex
	count int
}

// NewHub returns a hub; Run must be started before clients connect.
// allowedOrigins of nil or containing "*" accepts any origin.
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("events"),
	}
}

// Run services the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.logger.Info("client connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
				h.logger.Info("client disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
			}

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; ok {
				h.applySubscription(sub.client, sub.msg)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.wants(msg.subject) {
					h.deliver(c, msg.payload)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) deliver(c *client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		// slow consumer
		close(c.send)
		delete(h.clients, c)
		h.setCount(len(h.clients))
		h.logger.Warn("dropping slow client", zap.String("client", c.id))
	}
}

func (h *Hub) applySubscription(c *client, msg ClientMessage) {
	var ack string
	switch msg.Type {
	case "subscribe":
		c.subscriptions[msg.Subject] = true
		ack = TypeSubscribed
	case "unsubscribe":
		delete(c.subscriptions, msg.Subject)
		ack = TypeUnsubscribed
	default:
		return
	}
	payload, err := json.Marshal(Message{ID: uuid.NewString(), Type: ack, Timestamp: time.Now().UTC(), Subject: msg.Subject})
	if err != nil {
		return
	}
	h.deliver(c, payload)
}

// OnEvent implements registry.Listener. It never blocks the caller; events
// are dropped when the queue is full.
func (h *Hub) OnEvent(e registry.Event) {
	payload, err := json.Marshal(Message{ID: uuid.NewString(), Type: TypeEvent, Timestamp: time.Now().UTC(), Event: &e})
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{subject: e.Subject, payload: payload}:
	default:
		h.logger.Warn("event queue is full, dropping event", zap.String("type", string(e.Type)))
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("websocket write error", zap.String("client", c.id), zap.Error(err))
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

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		select {
		case h.subscribe <- subscription{client: c, msg: msg}:
		case <-h.done:
			return
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
