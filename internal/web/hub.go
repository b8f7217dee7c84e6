package web

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents a WebSocket client subscribed to one session's stream
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *TurnHub
	mu        sync.Mutex
	closed    bool
}

// TurnEvent is one message on a session's event stream: a finished turn,
// a save-status change, or a session completion.
type TurnEvent struct {
	Type              string   `json:"type"`
	SessionID         string   `json:"session_id"`
	Narration         string   `json:"narration,omitempty"`
	SuggestedActions  []string `json:"suggested_actions,omitempty"`
	ContextTokensUsed int      `json:"context_tokens_used,omitempty"`
	Utilization       float64  `json:"utilization,omitempty"`
	SavePending       bool     `json:"save_pending"`
	Summary           string   `json:"summary,omitempty"`
}

// TurnHub manages WebSocket connections and fans turn events out to the
// clients watching each session
type TurnHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan TurnEvent
	mu         sync.RWMutex
}

// NewTurnHub creates a new turn event hub
func NewTurnHub() *TurnHub {
	return &TurnHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan TurnEvent, 1000),
	}
}

// Run starts the hub's event loop
func (h *TurnHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// registerClient adds a new client to the hub
func (h *TurnHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	log.Printf("[Hub] Client connected: %s session=%s (total: %d)", client.ID, client.SessionID, len(h.clients))

	go client.writePump()
}

// unregisterClient removes a client from the hub
func (h *TurnHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		log.Printf("[Hub] Client disconnected: %s (total: %d)", client.ID, len(h.clients))
	}
}

// broadcastEvent sends a turn event to every client watching its session
func (h *TurnHub) broadcastEvent(event TurnEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(map[string]interface{}{
		"type": event.Type,
		"data": event,
		"time": time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[Hub] Failed to marshal event: %v", err)
		return
	}

	sentCount := 0
	for _, client := range h.clients {
		if client.SessionID != event.SessionID {
			continue
		}
		select {
		case client.Send <- data:
			sentCount++
		default:
			// Client send buffer full, skip
			log.Printf("[Hub] Client send buffer full: %s", client.ID)
		}
	}

	if sentCount > 0 {
		log.Printf("[Hub] Broadcast %s event to %d clients", event.Type, sentCount)
	}
}

// Broadcast queues a turn event for the clients watching its session
func (h *TurnHub) Broadcast(event TurnEvent) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[Hub] Broadcast channel full, dropping event")
	}
}

// GetClientCount returns the number of connected clients
func (h *TurnHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if !ok {
				// Hub closed the channel
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Client] Error writing to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[Client] Error sending ping to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.Conn.Close()
}

// readPump drains the WebSocket connection until the client goes away
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Client] Unexpected close from %s: %v", c.ID, err)
			}
			break
		}
	}
}
