// Package hub fans stream status events out to WebSocket observers such
// as dashboards or pit displays. It carries lifecycle and health events
// only; measurement data always travels over UDP.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/grapher/pkg/config"
)

// Event types published by the stream.
const (
	EventStreamStarted   = "stream_started"
	EventStreamStopped   = "stream_stopped"
	EventStreamFailing   = "stream_failing"
	EventStreamRecovered = "stream_recovered"
)

// Event is one status notification.
type Event struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id,omitempty"`
	Client    string         `json:"client,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Publisher accepts status events. Implementations must not block.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigin admits browser observers whose Origin satisfies allow,
// in addition to same-host pages.
func WithAllowedOrigin(allow func(origin string) bool) Option {
	return func(h *Hub) {
		h.allowOrigin = allow
	}
}

// Hub manages WebSocket observers.
type Hub struct {
	clients     map[*websocket.Conn]bool
	register    chan *websocket.Conn
	unregister  chan *websocket.Conn
	broadcast   chan []byte
	done        chan struct{}
	mu          sync.RWMutex
	upgrader    websocket.Upgrader
	allowOrigin func(origin string) bool
}

// New creates a hub. Call Run to start delivering events.
func New(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  config.WSReadBufferSize,
		WriteBufferSize: config.WSWriteBufferSize,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// No Origin header = non-browser client
	if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return h.allowOrigin != nil && h.allowOrigin(origin)
}

// Run delivers events until ctx is cancelled, then closes all observers.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Event observer connected (total: %d)", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Event observer disconnected (total: %d)", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("Event observer write error: %v", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			h.mu.Lock()
			for _, conn := range failed {
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues e for delivery. Events are dropped when nobody is
// listening or the queue is full; the stream never waits on observers.
func (h *Hub) Publish(e Event) {
	if !h.HasClients() {
		return
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	message, err := json.Marshal(e)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", e.Type, err)
		return
	}

	select {
	case h.broadcast <- message:
	default:
		log.Printf("Event channel full, dropping %s event", e.Type)
	}
}

// HasClients returns true if any observer is connected.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket upgrades the request and registers the observer until
// it disconnects or the hub stops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keep-alive pings; the read loop below refreshes the deadline on pong.
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}
