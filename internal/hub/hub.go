package hub

import (
	"encoding/json"
	"strings"
	"sync"

	"qms/dispatch-service/internal/logging"

	"github.com/charmbracelet/log"
)

// Subscription narrows what a client receives. Empty fields match everything.
type Subscription struct {
	ServiceGroupID string
	CounterID      string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *log.Logger
}

type SubscribeMessage struct {
	Action         string `json:"action"`
	ServiceGroupID string `json:"service_group_id"`
	CounterID      string `json:"counter_id"`
}

func New(logger *log.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logging.Component(logger, "hub"),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every matching client. Slow clients lose the
// message instead of blocking the sender.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message", "client", client.ID)
		}
	}
}

// Send queues payload for a single client.
func (h *Hub) Send(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- payload:
		return true
	default:
		h.logger.Warn("drop message", "client", client.ID)
		return false
	}
}

// match treats an empty meta field as a message for everyone, e.g. the
// store-wide snapshot.
func match(sub Subscription, meta Subscription) bool {
	if sub.ServiceGroupID != "" && meta.ServiceGroupID != "" && meta.ServiceGroupID != sub.ServiceGroupID {
		return false
	}
	if sub.CounterID != "" && meta.CounterID != "" && meta.CounterID != sub.CounterID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.ServiceGroupID = strings.TrimSpace(msg.ServiceGroupID)
	msg.CounterID = strings.TrimSpace(msg.CounterID)
	return msg, true
}
