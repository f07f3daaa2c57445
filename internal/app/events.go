package app

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttoman/tt-wordwise/internal/notify"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// EventHub streams notify events to WebSocket clients. A client may narrow
// the stream with ?sessionId= and ?documentId=.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	send       chan notify.Event
	sessionID  string
	documentID string
}

func NewEventHub(corsOrigin string) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return corsOrigin == "*" || r.Header.Get("Origin") == corsOrigin
			},
		},
		clients: make(map[*eventClient]struct{}),
	}
}

func (c *eventClient) wants(e notify.Event) bool {
	if c.sessionID != "" && e.SessionID != "" && e.SessionID != c.sessionID {
		return false
	}
	if c.documentID != "" && e.DocumentID != "" && e.DocumentID != c.documentID {
		return false
	}
	return true
}

// Publish fans e out without blocking; a client whose buffer is full misses it.
func (h *EventHub) Publish(e notify.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- e:
		default:
			log.Printf("events: dropping %s for slow client", e.Type)
		}
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: upgrade failed: %v", err)
		return
	}
	client := &eventClient{
		send:       make(chan notify.Event, clientBuffer),
		sessionID:  r.URL.Query().Get("sessionId"),
		documentID: r.URL.Query().Get("documentId"),
	}
	if !h.register(client) {
		_ = conn.Close()
		return
	}

	go h.readLoop(conn, client)
	h.writeLoop(conn, client)
}

func (h *EventHub) register(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readLoop drains control frames and unregisters the client once the peer goes away.
func (h *EventHub) readLoop(conn *websocket.Conn, c *eventClient) {
	defer h.unregister(c)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(conn *websocket.Conn, c *eventClient) {
	defer conn.Close()
	for e := range c.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(e); err != nil {
			h.unregister(c)
			break
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Clients reports the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
