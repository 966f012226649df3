// Package streaming fans loop lifecycle events out to WebSocket clients,
// one subscription per channel key.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client is one WebSocket connection pinned to a channel key.
type client struct {
	id         string
	channelKey string
	conn       *websocket.Conn
	send       chan []byte
}

// Hub routes published events to the clients subscribed to their channel.
type Hub struct {
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]bool // channel key -> clients
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:  log.WithFields(zap.String("component", "stream-hub")),
		clients: make(map[string]map[*client]bool),
	}
}

// AttachBus subscribes the hub to every event on the bus and forwards
// channel-scoped events to matching clients.
func (h *Hub) AttachBus(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(">", func(_ context.Context, ev *bus.Event) error {
		key, _ := ev.Data["channel_key"].(string)
		if key == "" {
			return nil
		}
		h.Publish(key, ev)
		return nil
	})
	return err
}

// Publish sends the event to every client watching the channel key.
func (h *Hub) Publish(channelKey string, ev *bus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[channelKey] {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop the frame rather than stall the loop.
		}
	}
}

// Serve upgrades the request and pumps events for the channel key until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channelKey string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:         uuid.New().String(),
		channelKey: channelKey,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Debug("stream client connected",
		zap.String("client_id", c.id), zap.String("channel", channelKey))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.channelKey]
	if !ok {
		set = make(map[*client]bool)
		h.clients[c.channelKey] = set
	}
	set[c] = true
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.channelKey]; ok && set[c] {
		delete(set, c)
		close(c.send)
		if len(set) == 0 {
			delete(h.clients, c.channelKey)
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It keeps the
// connection alive via pong handling and exits on close.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			close(c.send)
		}
	}
	h.clients = make(map[string]map[*client]bool)
}

// ClientCount reports connected clients across all channels.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
