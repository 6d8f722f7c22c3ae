// Package websocket streams core events to connected dashboard and bot
// clients. Each client subscribes to a set of topics; events arrive in
// publication order. A slow or broken client is dropped without affecting
// the bus or other clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/events"
	"github.com/OpenSourceWTF/waaah/internal/events/bus"
)

// Hub fans bus events out to websocket clients.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	subs []bus.Subscription
}

// NewHub creates a Hub and subscribes it to every core topic.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws-gateway")),
		clients: make(map[*Client]bool),
	}
	for _, topic := range events.Topics {
		topic := topic
		sub, err := eventBus.Subscribe(string(topic), func(ctx context.Context, event *bus.Event) error {
			h.broadcast(string(topic), event)
			return nil
		})
		if err != nil {
			h.Close()
			return nil, err
		}
		h.subs = append(h.subs, sub)
	}
	return h, nil
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("client_id", c.ID))
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast delivers one event to every client subscribed to its topic.
// A client whose send queue is full is dropped; the bus never blocks.
func (h *Hub) broadcast(topic string, event *bus.Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	var overloaded []*Client
	for c := range h.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			overloaded = append(overloaded, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range overloaded {
		h.logger.Warn("dropping slow websocket client", zap.String("client_id", c.ID))
		h.Unregister(c)
	}
}

// Close tears down the bus subscriptions and disconnects every client.
func (h *Hub) Close() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
