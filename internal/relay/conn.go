package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/csrealtime/internal/phoenix"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Conn represents a WebSocket connection
type Conn struct {
	id        string
	ws        *websocket.Conn
	hub       *Hub
	auth      func(string) bool // accepts an api key or access token
	logger    *slog.Logger
	mu        sync.Mutex
	channels  map[string]*ChannelSub // topic -> subscription
	claims    jwt.MapClaims          // parsed from access_token
	send      chan []byte            // outbound message queue
	done      chan struct{}          // closed when connection ends
	closeOnce sync.Once
}

// NewConn creates a new connection
func (h *Hub) NewConn(ws *websocket.Conn, auth func(string) bool) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		ws:       ws,
		hub:      h,
		auth:     auth,
		channels: make(map[string]*ChannelSub),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	conn.logger = h.logger.With("conn_id", conn.id)
	h.registerConn(conn)
	h.metrics.RecordConnection(context.Background(), 1)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// Send queues a message for sending
func (c *Conn) Send(msg *phoenix.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return nil // Connection closed
	default:
		// Buffer full, drop message
		c.logger.Warn("send buffer full, dropping message", "event", msg.Event, "topic", msg.Topic)
		return nil
	}
}

// Close closes the connection
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
			c.hub.metrics.RecordConnection(context.Background(), -1)
		}
	})
}

// ReadPump reads messages from the WebSocket connection
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", "error", err.Error())
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := phoenix.DecodeMessage(data)
		if err != nil {
			c.logger.Debug("invalid message", "error", err.Error(), "len", len(data))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage routes incoming messages to appropriate handlers
func (c *Conn) handleMessage(msg *phoenix.Message) {
	switch msg.Event {
	case phoenix.EventHeartbeat:
		c.handleHeartbeat(msg)
	case phoenix.EventJoin:
		c.handleJoin(msg)
	case phoenix.EventLeave:
		c.handleLeave(msg)
	case phoenix.EventAccessToken:
		c.handleAccessToken(msg)
	default:
		c.logger.Debug("unknown event", "event", msg.Event, "topic", msg.Topic)
	}
}

// handleHeartbeat responds to heartbeat messages
func (c *Conn) handleHeartbeat(msg *phoenix.Message) {
	c.Send(phoenix.NewReply(phoenix.TopicPhoenix, "", msg.Ref, phoenix.StatusOK, map[string]any{}))
}

// handleJoin handles channel join requests
func (c *Conn) handleJoin(msg *phoenix.Message) {
	config, token, err := phoenix.ParseJoinPayload(msg.Payload)
	if err != nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_payload", err.Error())
		return
	}

	if token != "" {
		if !c.auth(token) {
			c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_token", "access token rejected")
			return
		}
		// Static keys pass auth without being JWTs and carry no claims.
		if claims, err := c.hub.validateToken(token); err == nil {
			c.claims = claims
		} else {
			c.logger.Debug("join token is not a JWT, keeping connection claims", "topic", msg.Topic)
		}
	}

	if config.Private && c.claims == nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "unauthorized", "private channel requires authentication")
		return
	}

	ch := c.hub.getOrCreateChannel(msg.Topic)

	// Assign subscription IDs to postgres_changes
	ids := make([]map[string]any, 0, len(config.PostgresChanges))
	for i := range config.PostgresChanges {
		pg := &config.PostgresChanges[i]
		pg.ID = i + 1
		ids = append(ids, map[string]any{
			"id":     pg.ID,
			"event":  pg.Event,
			"schema": pg.Schema,
			"table":  pg.Table,
			"filter": pg.Filter,
		})
	}

	sub := &ChannelSub{
		conn:      c,
		joinRef:   msg.JoinRef,
		pgChanges: config.PostgresChanges,
	}
	ch.addSubscriber(c.id, sub)

	c.mu.Lock()
	c.channels[msg.Topic] = sub
	c.mu.Unlock()

	c.Send(phoenix.NewReply(msg.Topic, msg.JoinRef, msg.Ref, phoenix.StatusOK, map[string]any{
		"postgres_changes": ids,
	}))

	if len(config.PostgresChanges) > 0 {
		c.Send(phoenix.NewSystemMessage(msg.Topic, msg.JoinRef, phoenix.StatusOK,
			"Subscribed to PostgreSQL", "postgres_changes"))
	}

	c.hub.metrics.RecordJoin(context.Background())
	c.logger.Debug("joined", "topic", msg.Topic, "bindings", len(config.PostgresChanges))
}

// handleLeave handles channel leave requests
func (c *Conn) handleLeave(msg *phoenix.Message) {
	c.mu.Lock()
	_, ok := c.channels[msg.Topic]
	if ok {
		delete(c.channels, msg.Topic)
	}
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.Topic, "", msg.Ref, "not_joined", "not subscribed to channel")
		return
	}

	if ch := c.hub.getChannel(msg.Topic); ch != nil {
		ch.removeSubscriber(c.id)
		c.hub.removeChannelIfEmpty(msg.Topic)
	}

	c.Send(phoenix.NewReply(msg.Topic, msg.JoinRef, msg.Ref, phoenix.StatusOK, map[string]any{}))
	c.Send(&phoenix.Message{
		Event:   phoenix.EventClose,
		Topic:   msg.Topic,
		JoinRef: msg.JoinRef,
		Ref:     msg.Ref,
		Payload: map[string]any{},
	})
}

// handleAccessToken refreshes the connection's JWT
func (c *Conn) handleAccessToken(msg *phoenix.Message) {
	token, _ := msg.Payload["access_token"].(string)
	if token == "" {
		return
	}

	claims, err := c.hub.validateToken(token)
	if err != nil {
		c.logger.Debug("invalid access_token refresh", "error", err.Error())
		return
	}
	c.claims = claims
}

// sendError sends an error reply
func (c *Conn) sendError(topic, joinRef, ref, code, message string) {
	c.Send(phoenix.NewReply(topic, joinRef, ref, phoenix.StatusError, map[string]any{
		"code":    code,
		"reason":  message,
		"message": message,
	}))
}
