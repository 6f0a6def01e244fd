// Package realtime pushes report, audit and notification updates to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Topics
const (
	TopicReports       = "reports"
	TopicAudit         = "audit"
	TopicNotifications = "notifications"
)

// AllTopics lists every topic a client may subscribe to
var AllTopics = []string{TopicReports, TopicAudit, TopicNotifications}

// MessageType classifies outgoing messages
type MessageType string

// Message types
const (
	MessageTypeSnapshot     MessageType = "snapshot"
	MessageTypeNotification MessageType = "notification"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeError        MessageType = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ErrHubClosed is returned when publishing after the hub stopped
var ErrHubClosed = errors.New("realtime hub closed")

// Message is one frame sent to clients
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriptionRequest is sent by clients to change their topics
type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type envelope struct {
	topic string
	data  []byte
}

// Hub owns the connected clients. Client registration, removal and fan-out all
// happen on the Run goroutine.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	done       chan struct{}

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	retained map[string][]byte
}

// Client is one WebSocket connection
type Client struct {
	ID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

// NewHub creates a hub; call Run to start it
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		retained:   make(map[string][]byte),
	}
}

// Run serves the hub until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			for topic, data := range h.retained {
				if c.subscribed(topic) {
					h.deliver(c, data)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("WebSocket client connected", zap.String("client_id", c.ID))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("WebSocket client disconnected", zap.String("client_id", c.ID))

		case env := <-h.broadcast:
			h.mu.Lock()
			h.retained[env.topic] = env.data
			for c := range h.clients {
				if c.subscribed(env.topic) {
					h.deliver(c, env.data)
				}
			}
			h.mu.Unlock()
		}
	}
}

// deliver must be called with h.mu held. Clients that cannot keep up are dropped.
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		delete(h.clients, c)
		close(c.send)
		h.logger.Warn("Dropping slow WebSocket client", zap.String("client_id", c.ID))
	}
}

// Publish sends payload to every client subscribed to topic. The last message of
// each topic is retained and sent to clients that subscribe later.
func (h *Hub) Publish(topic string, msgType MessageType, payload interface{}) error {
	data, err := json.Marshal(Message{
		Type:      msgType,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- envelope{topic: topic, data: data}:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and subscribes the client to the comma separated
// topics query parameter, or to every topic when it is empty.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		ID:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}
	c.setTopics(parseTopics(r.URL.Query().Get("topics")), true)

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func parseTopics(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return AllTopics
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

func (c *Client) setTopics(topics []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if on {
			c.topics[t] = true
		} else {
			delete(c.topics, t)
		}
	}
}

func (c *Client) readPump() {
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var req SubscriptionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch req.Type {
		case "subscribe":
			c.setTopics(req.Topics, true)
		case "unsubscribe":
			c.setTopics(req.Topics, false)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
