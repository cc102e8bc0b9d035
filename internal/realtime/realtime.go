// Package realtime manages a client's live subscriptions to customer-service
// change streams (chat messages, chat sessions and agent status) over a
// single multiplexed transport.
//
// A Manager owns every subscription it creates. It suppresses duplicate
// deliveries, holds events that arrive before the link is confirmed, tracks
// an aggregate connection state and schedules reconnects with capped
// exponential backoff when the transport reports errors or goes quiet.
package realtime

import (
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/markb/csrealtime/internal/observability"
)

// ErrNilCallback is returned when a subscription is requested without a callback.
var ErrNilCallback = errors.New("realtime: callback must not be nil")

// ErrTornDown is returned when the manager was cleaned up or reconnected
// while the subscription's channel was opening. The channel is released.
var ErrTornDown = errors.New("realtime: torn down while subscribing")

// Role is the kind of client a Manager serves.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Kind identifies a subscription stream.
type Kind string

const (
	KindMessages    Kind = "messages"
	KindSessions    Kind = "sessions"
	KindAgentStatus Kind = "agent-status"
)

// State is the aggregate connection state of a Manager.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Tables names the tables behind each stream.
type Tables struct {
	Schema      string
	Messages    string
	Sessions    string
	AgentStatus string
}

// Config configures a Manager. Zero values take the defaults noted per field.
type Config struct {
	// Agent binds the manager to the agent role; otherwise it serves a customer.
	Agent bool

	Tables Tables // public.messages, public.chat_sessions, public.agent_status

	Clock   clock.Clock    // clock.WallClock
	Logger  *slog.Logger   // log.Component("realtime")
	Metrics *observability.RealtimeMetrics

	HeartbeatInterval time.Duration // 15s
	StaleAfter        time.Duration // 30s
	RecentWindow      time.Duration // 30s

	ReconnectBase        time.Duration // 1s
	ReconnectCap         time.Duration // 30s
	MaxReconnectAttempts int           // 5

	DedupCapacity int // 1000
	DedupTrim     int // 500

	// QueueLimit bounds the delivery queue; 0 means unbounded. When full the
	// oldest queued event is dropped.
	QueueLimit int

	// OnReconnect runs after a scheduled reconnect has torn the channels down,
	// so the owner can subscribe again. It is not called by ForceReconnect or
	// Cleanup.
	OnReconnect func(*Manager)
}

func (c Config) withDefaults() Config {
	if c.Tables.Schema == "" {
		c.Tables.Schema = "public"
	}
	if c.Tables.Messages == "" {
		c.Tables.Messages = "messages"
	}
	if c.Tables.Sessions == "" {
		c.Tables.Sessions = "chat_sessions"
	}
	if c.Tables.AgentStatus == "" {
		c.Tables.AgentStatus = "agent_status"
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 1000
	}
	if c.DedupTrim <= 0 || c.DedupTrim > c.DedupCapacity {
		c.DedupTrim = c.DedupCapacity / 2
		if c.DedupTrim == 0 {
			c.DedupTrim = 1
		}
	}
	if c.QueueLimit < 0 {
		c.QueueLimit = 0
	}
	return c
}

// Status is a point-in-time snapshot of a Manager.
type Status struct {
	Role              Role
	State             State
	Channels          int
	ReconnectAttempts int
	QueuedMessages    int

	// LastMessageAt is zero after Cleanup until the next event arrives.
	LastMessageAt    time.Time
	SinceLastMessage time.Duration

	// RecentActivity reports an event within the recent window. It is
	// informational and does not feed IsHealthy.
	RecentActivity bool
}
