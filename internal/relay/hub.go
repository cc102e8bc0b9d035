package relay

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markb/csrealtime/internal/observability"
	"github.com/markb/csrealtime/internal/phoenix"
)

// Hub manages all WebSocket connections and channels
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn    // connID -> Conn
	channels    map[string]*Channel // topic -> Channel

	jwtSecret string
	metrics   *observability.RelayMetrics
	logger    *slog.Logger
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Bindings    int    `json:"bindings"`
}

// NewHub creates a new Hub
func NewHub(jwtSecret string, metrics *observability.RelayMetrics, logger *slog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Conn),
		channels:    make(map[string]*Channel),
		jwtSecret:   jwtSecret,
		metrics:     metrics,
		logger:      logger,
	}
}

// Stats returns current realtime statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}

	for _, ch := range h.channels {
		ch.mu.RLock()
		bindings := 0
		for _, sub := range ch.subscribers {
			bindings += len(sub.pgChanges)
		}
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Topic:       ch.topic,
			Subscribers: len(ch.subscribers),
			Bindings:    bindings,
		})
		ch.mu.RUnlock()
	}

	return stats
}

// registerConn adds a connection to the hub
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

// unregisterConn removes a connection from the hub and all channels
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connections, conn.id)

	// Remove from all channels
	for topic, ch := range h.channels {
		ch.mu.Lock()
		if _, ok := ch.subscribers[conn.id]; ok {
			delete(ch.subscribers, conn.id)
			// Clean up empty channels
			if len(ch.subscribers) == 0 {
				delete(h.channels, topic)
			}
		}
		ch.mu.Unlock()
	}
}

// CloseAll drops every connection. Clients see the socket close and report
// CHANNEL_ERROR for their channels.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// getOrCreateChannel gets or creates a channel by topic
func (h *Hub) getOrCreateChannel(topic string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		return ch
	}

	ch := &Channel{
		topic:       topic,
		subscribers: make(map[string]*ChannelSub),
	}
	h.channels[topic] = ch
	return ch
}

// getChannel returns a channel by topic, or nil if not found
func (h *Hub) getChannel(topic string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

// removeChannelIfEmpty removes a channel if it has no subscribers
func (h *Hub) removeChannelIfEmpty(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		ch.mu.RLock()
		empty := len(ch.subscribers) == 0
		ch.mu.RUnlock()
		if empty {
			delete(h.channels, topic)
		}
	}
}

// broadcastChange sends ev to every subscription with a matching
// postgres_changes binding. The frame lists the ids of all bindings it
// satisfied. Returns the number of subscriptions reached.
func (h *Hub) broadcastChange(ev phoenix.ChangeEvent) int {
	h.mu.RLock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	sent := 0
	for _, ch := range channels {
		for _, sub := range ch.getSubscribers() {
			var ids []int
			for _, b := range sub.pgChanges {
				if bindingMatches(b, ev) {
					ids = append(ids, b.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			sub.conn.Send(phoenix.NewPostgresChangeMessage(ch.topic, sub.joinRef, ids, ev))
			sent++
		}
	}
	return sent
}

func bindingMatches(b phoenix.PostgresChangeSub, ev phoenix.ChangeEvent) bool {
	if b.Event != "" && b.Event != "*" && !strings.EqualFold(b.Event, ev.EventType) {
		return false
	}
	if b.Schema != "" && b.Schema != "*" && b.Schema != ev.Schema {
		return false
	}
	if b.Table != "" && b.Table != "*" && b.Table != ev.Table {
		return false
	}
	return phoenix.MatchFilter(b.Filter, ev.New, ev.Old)
}

// validateToken validates a JWT and returns claims
func (h *Hub) validateToken(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}
