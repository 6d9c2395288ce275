package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBroadcastFull is returned when the hub cannot keep up.
var ErrBroadcastFull = errors.New("broadcast channel full")

// Event tells board subscribers which task changed.
type Event struct {
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
}

type envelope struct {
	boardID string
	data    []byte
}

// Hub maintains the set of active clients and fans refresh events out to
// the clients watching the event's board.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound events
	broadcast chan envelope

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	log *slog.Logger
	mu  sync.RWMutex
}

// NewHub creates a new hub
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run runs the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "board_id", client.boardID, "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", "board_id", client.boardID, "clients", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.boardID != "" && client.boardID != msg.boardID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a refresh event for the board's subscribers. Clients
// subscribed without a board receive every event.
func (h *Hub) Broadcast(boardID string, event Event) error {
	data, err := json.Marshal(NewMessage("task_refresh", boardID, event))
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- envelope{boardID: boardID, data: data}:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// Subscribe registers a client with the running hub. It reports false
// once the hub has stopped.
func (h *Hub) Subscribe(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a websocket connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	boardID string
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
	// Subscribers only send control frames
	maxMessageSize = 4 * 1024
)

// NewClient creates a new client watching boardID.
func NewClient(hub *Hub, conn *websocket.Conn, boardID string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		boardID: boardID,
	}
}

// ReadPump drains the connection so pongs and close frames are handled.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read failed", "error", err)
			}
			break
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Message represents a WebSocket message
type Message struct {
	Type    string      `json:"type"`
	BoardID string      `json:"board_id,omitempty"`
	Data    interface{} `json:"data"`
}

// NewMessage creates a new message
func NewMessage(messageType, boardID string, data interface{}) *Message {
	return &Message{
		Type:    messageType,
		BoardID: boardID,
		Data:    data,
	}
}
