package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/metrics"
)

// Message types
const (
	MessageTypeAggregateUpdate   = "aggregate_update"
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Channels a client can subscribe to
const (
	ChannelAggregate   = "aggregate"
	ChannelLeaderboard = "leaderboard"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// delivery is a message addressed to one user, or to every leaderboard
// subscriber when userID is empty
type delivery struct {
	message *Message
	userID  string
}

// Hub maintains the set of active clients and fans out updates
type Hub struct {
	// Aggregate subscribers by user ID
	users map[string]map[*Client]bool

	// Leaderboard subscribers
	leaderboard map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *delivery
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu      sync.RWMutex
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	channel string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		users:       make(map[string]map[*Client]bool),
		leaderboard: make(map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *delivery, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMetrics enables the connection gauge
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.leaderboard[client] = true
			if client.userID != "" {
				h.addUserClient(client)
			}
			h.mu.Unlock()
			h.metrics.ConnectionOpened()
			h.logger.Debug("client registered", "client_id", client.id, "user_id", client.userID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				delete(h.leaderboard, client)
				h.removeUserClient(client)
				close(client.send)
				h.metrics.ConnectionClosed()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				switch req.channel {
				case ChannelLeaderboard:
					h.leaderboard[req.client] = true
				case ChannelAggregate:
					h.addUserClient(req.client)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "channel", req.channel)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			switch req.channel {
			case ChannelLeaderboard:
				delete(h.leaderboard, req.client)
			case ChannelAggregate:
				h.removeUserClient(req.client)
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "channel", req.channel)

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// addUserClient must be called with mu held
func (h *Hub) addUserClient(client *Client) {
	if client.userID == "" {
		return
	}
	if _, ok := h.users[client.userID]; !ok {
		h.users[client.userID] = make(map[*Client]bool)
	}
	h.users[client.userID][client] = true
}

// removeUserClient must be called with mu held
func (h *Hub) removeUserClient(client *Client) {
	clients, ok := h.users[client.userID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.users, client.userID)
	}
}

// deliver sends a message to its addressed clients
func (h *Hub) deliver(d *delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(d.message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	targets := h.leaderboard
	if d.userID != "" {
		targets = h.users[d.userID]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(d *delivery) {
	select {
	case h.broadcast <- d:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", d.message.Type)
	}
}

// NotifyAggregate pushes a user's new aggregate to that user's connections only
func (h *Hub) NotifyAggregate(userID string, score *domain.UserScore) {
	if userID == "" || score == nil {
		return
	}
	h.enqueue(&delivery{
		userID: userID,
		message: &Message{
			Type:      MessageTypeAggregateUpdate,
			Channel:   ChannelAggregate,
			Data:      score,
			Timestamp: time.Now(),
		},
	})
}

// BroadcastLeaderboard sends the top of the leaderboard to every subscriber
func (h *Hub) BroadcastLeaderboard(update *domain.LeaderboardUpdate) {
	if update == nil {
		return
	}
	h.enqueue(&delivery{
		message: &Message{
			Type:      MessageTypeLeaderboardUpdate,
			Channel:   ChannelLeaderboard,
			Data:      update,
			Timestamp: time.Now(),
		},
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a channel
func (h *Hub) Subscribe(client *Client, channel string) {
	h.subscribe <- &subscriptionRequest{client: client, channel: channel}
}

// Unsubscribe removes a client from a channel
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.unsubscribe <- &subscriptionRequest{client: client, channel: channel}
}

// GetLeaderboardSubscribers returns the number of leaderboard subscribers
func (h *Hub) GetLeaderboardSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.leaderboard)
}

// GetUserConnections returns the number of aggregate subscribers of a user
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
