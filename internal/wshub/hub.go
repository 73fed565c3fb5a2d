package wshub

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"roomrelay/internal/broadcast"
)

// Client represents a single WebSocket connection in the hub.
type Client struct {
	ConnID string
	Conn   *websocket.Conn
	Send   chan []byte
}

func NewClient(connID string, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		ConnID: connID,
		Conn:   conn,
		Send:   make(chan []byte, buffer),
	}
}

// WritePump reads from the Send channel and writes to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.Send:
			if !ok {
				return nil
			}
			if err := c.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return err
			}
		}
	}
}

// Hub manages every open connection and their room subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  *broadcast.Groups
	logger  *zap.Logger

	onDrop func()
}

type Option func(*Hub)

// WithDropHook is called once for every message dropped on a full buffer.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		groups:  broadcast.NewGroups(),
		logger:  logger,
		onDrop:  func() {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
}

// Unregister removes a client from the hub and all of its room scopes,
// then closes its Send channel.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		close(c.Send)
		delete(h.clients, connID)
	}
	h.mu.Unlock()

	h.groups.UnsubscribeAll(connID)
}

// Subscribe puts connID into the broadcast scope for room.
func (h *Hub) Subscribe(room, connID string) {
	h.groups.Subscribe(room, connID)
}

func (h *Hub) Unsubscribe(room, connID string) {
	h.groups.Unsubscribe(room, connID)
}

// SendTo queues msg for a single connection. Non-blocking: drops if the
// channel is full. Returns false when nothing was queued.
func (h *Hub) SendTo(connID string, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	return h.enqueue(c, msg)
}

// BroadcastExcept queues msg for every member of room other than senderID
// and returns how many clients accepted it. Non-blocking: drops if a
// channel is full.
func (h *Hub) BroadcastExcept(room, senderID string, msg []byte) int {
	targets := h.groups.Except(room, senderID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, id := range targets {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if h.enqueue(c, msg) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) enqueue(c *Client, msg []byte) bool {
	select {
	case c.Send <- msg:
		return true
	default:
		h.logger.Warn("dropping message, client buffer full", zap.String("conn", c.ConnID))
		h.onDrop()
		return false
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
