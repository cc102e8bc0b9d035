package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
	"github.com/markb/csrealtime/internal/transport"
)

// closeTimeout bounds channel release during timer-driven teardown.
const closeTimeout = 5 * time.Second

// Manager owns a client's subscriptions over one transport. It is safe for
// concurrent use. Callbacks run outside the manager's lock, on the
// transport's delivery goroutine, and may call back into the Manager.
type Manager struct {
	tr      transport.Transport
	cfg     Config
	role    Role
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.RealtimeMetrics

	mu          sync.Mutex
	state       State
	subs        map[string]*Subscription
	order       []*Subscription
	dedup       *Deduplicator
	queue       *DeliveryQueue
	attempts    int
	lastMessage time.Time

	heartbeat    clock.Timer
	heartbeatSeq uint64
	reconnect    clock.Timer
	reconnectSeq uint64
}

// NewManager returns a Manager in the connecting state. No channel is opened
// until the first subscription.
func NewManager(tr transport.Transport, cfg Config) *Manager {
	cfg = cfg.withDefaults()

	role := RoleCustomer
	if cfg.Agent {
		role = RoleAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Component("realtime")
	}

	return &Manager{
		tr:          tr,
		cfg:         cfg,
		role:        role,
		clock:       cfg.Clock,
		logger:      logger.With("role", string(role)),
		metrics:     cfg.Metrics,
		state:       StateConnecting,
		subs:        make(map[string]*Subscription),
		dedup:       NewDeduplicator(cfg.DedupCapacity, cfg.DedupTrim),
		queue:       NewDeliveryQueue(cfg.QueueLimit),
		lastMessage: cfg.Clock.Now(),
	}
}

// Role returns the role the manager was built for.
func (m *Manager) Role() Role {
	return m.role
}

// SubscribeToMessages follows new chat messages. For customers a non-empty
// scope limits delivery to that session; agents only receive messages sent
// by customers.
func (m *Manager) SubscribeToMessages(cb func(MessageEvent), scope string) (*Subscription, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	deliver := func(ev Event) { cb(ev.(MessageEvent)) }
	return m.subscribe(KindMessages, scope, messagesBinding(m.cfg.Tables), deliver)
}

// SubscribeToSessions follows every change to chat sessions. For customers a
// non-empty scope (the customer id) is applied as a server-side filter.
func (m *Manager) SubscribeToSessions(cb func(SessionEvent), scope string) (*Subscription, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	deliver := func(ev Event) { cb(ev.(SessionEvent)) }
	return m.subscribe(KindSessions, scope, sessionsBinding(m.cfg.Tables, m.role, scope), deliver)
}

// SubscribeToAgentStatus follows agent status updates. It is only available
// to agents: for a customer it logs a warning and returns nil, nil.
func (m *Manager) SubscribeToAgentStatus(cb func(AgentStatusEvent)) (*Subscription, error) {
	if m.role != RoleAgent {
		m.logger.Warn("agent status subscription requires the agent role")
		return nil, nil
	}
	if cb == nil {
		return nil, ErrNilCallback
	}
	deliver := func(ev Event) { cb(ev.(AgentStatusEvent)) }
	return m.subscribe(KindAgentStatus, "", agentStatusBinding(m.cfg.Tables), deliver)
}

func (m *Manager) subscribe(kind Kind, scope string, b transport.Binding, deliver func(Event)) (*Subscription, error) {
	sub := newSubscription(kind, scope, b, deliver)

	// Register before opening so status signals raised during Open are not lost.
	m.mu.Lock()
	m.subs[sub.id] = sub
	m.order = append(m.order, sub)
	m.startHeartbeatLocked()
	m.mu.Unlock()

	ch, err := m.tr.Open(sub.topic, b, transport.Handler{
		OnChange: func(c transport.Change) { m.handleChange(sub, c) },
		OnStatus: func(s transport.Status, err error) { m.handleStatus(sub, s, err) },
	})
	if err != nil {
		m.mu.Lock()
		m.removeLocked(sub)
		if len(m.subs) == 0 {
			m.stopHeartbeatLocked()
		}
		m.mu.Unlock()
		m.logger.Error("failed to open channel", "kind", string(kind), "topic", sub.topic, "error", err)
		return nil, fmt.Errorf("open %s channel: %w", kind, err)
	}

	m.mu.Lock()
	_, owned := m.subs[sub.id]
	if owned {
		sub.ch = ch
	}
	m.mu.Unlock()

	if !owned {
		m.closeChannels(context.Background(), []transport.Channel{ch})
		m.logger.Warn("subscription torn down while opening", "kind", string(kind), "topic", sub.topic)
		return nil, ErrTornDown
	}

	m.logger.Info("subscribed", "kind", string(kind), "scope", scope, "topic", sub.topic)
	return sub, nil
}

// Unsubscribe releases one subscription and drops its queued events. It
// reports whether the subscription was still owned.
func (m *Manager) Unsubscribe(ctx context.Context, sub *Subscription) bool {
	if sub == nil {
		return false
	}
	m.mu.Lock()
	if _, ok := m.subs[sub.id]; !ok {
		m.mu.Unlock()
		return false
	}
	ch := sub.ch
	m.removeLocked(sub)
	dropped := m.queue.Remove(sub)
	m.mu.Unlock()

	if ch != nil {
		m.closeChannels(ctx, []transport.Channel{ch})
	}
	m.logger.Info("unsubscribed", "kind", string(sub.kind), "topic", sub.topic, "dropped_queued", dropped)
	return true
}

func (m *Manager) removeLocked(sub *Subscription) {
	delete(m.subs, sub.id)
	for i, s := range m.order {
		if s == sub {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// handleChange runs the inbound pipeline: dedup, activity timestamp, queue
// while not connected, then filter and deliver.
func (m *Manager) handleChange(sub *Subscription, c transport.Change) {
	ev := decodeEvent(sub.kind, c)
	ctx := context.Background()

	m.mu.Lock()
	if _, ok := m.subs[sub.id]; !ok {
		m.mu.Unlock()
		return
	}

	if key := ev.dedupKey(); key != "" && m.dedup.IsDuplicate(sub.id+"/"+key) {
		m.mu.Unlock()
		m.logger.Debug("duplicate event dropped", "kind", string(sub.kind), "id", ev.EventID())
		m.metrics.RecordDropped(ctx, string(sub.kind), observability.ReasonDuplicate)
		return
	}

	m.lastMessage = m.clock.Now()

	if m.state != StateConnected {
		dropped := m.queue.Push(sub, ev)
		queuedLen := m.queue.Len()
		state := m.state
		m.mu.Unlock()

		m.metrics.RecordQueued(ctx, string(sub.kind))
		if dropped {
			m.logger.Warn("delivery queue full, dropped oldest event", "limit", m.cfg.QueueLimit)
			m.metrics.RecordDropped(ctx, string(sub.kind), observability.ReasonOverflow)
		}
		m.logger.Debug("event queued", "kind", string(sub.kind), "id", ev.EventID(), "state", string(state), "queued", queuedLen)
		return
	}
	m.mu.Unlock()

	m.dispatch(sub, ev)
}

// dispatch filters and delivers one event. A panicking callback is logged and
// does not affect other subscriptions.
func (m *Manager) dispatch(sub *Subscription, ev Event) {
	ctx := context.Background()
	if !sub.accepts(m.role, ev) {
		m.logger.Debug("event filtered", "kind", string(sub.kind), "id", ev.EventID(), "scope", sub.scope)
		m.metrics.RecordDropped(ctx, string(sub.kind), observability.ReasonFiltered)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription callback panicked", "kind", string(sub.kind), "id", ev.EventID(), "panic", r)
			m.metrics.RecordCallbackPanic(ctx, string(sub.kind))
		}
	}()
	sub.deliver(ev)
	m.metrics.RecordDelivered(ctx, string(sub.kind))
}

// handleStatus maps a transport signal onto the aggregate state.
func (m *Manager) handleStatus(sub *Subscription, s transport.Status, err error) {
	m.mu.Lock()
	if _, ok := m.subs[sub.id]; !ok {
		m.mu.Unlock()
		return
	}

	var next State
	switch s {
	case transport.StatusSubscribed:
		next = StateConnected
	case transport.StatusChannelError, transport.StatusTimedOut:
		next = StateError
	case transport.StatusClosed:
		next = StateDisconnected
	default:
		next = StateConnecting
	}

	if err != nil {
		m.logger.Warn("channel status", "topic", sub.topic, "status", string(s), "error", err)
	}
	m.setStateLocked(next)

	var flush []queued
	switch next {
	case StateConnected:
		m.attempts = 0
		m.cancelReconnectLocked()
		flush = m.queue.Drain()
	case StateError:
		m.scheduleReconnectLocked(string(s))
	}
	m.mu.Unlock()

	if len(flush) > 0 {
		m.logger.Info("flushing queued events", "count", len(flush))
	}
	for _, q := range flush {
		if !m.owns(q.sub) {
			continue
		}
		m.dispatch(q.sub, q.event)
	}
}

func (m *Manager) owns(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[sub.id]
	return ok
}

func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.logger.Info("connection state changed", "from", string(m.state), "to", string(next))
	m.state = next
	m.metrics.RecordTransition(context.Background(), string(next))
}

// startHeartbeatLocked arms the staleness check if it is not running.
func (m *Manager) startHeartbeatLocked() {
	if m.heartbeat != nil {
		return
	}
	if m.lastMessage.IsZero() {
		m.lastMessage = m.clock.Now()
	}
	m.armHeartbeatLocked()
}

func (m *Manager) armHeartbeatLocked() {
	m.heartbeatSeq++
	seq := m.heartbeatSeq
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeatTick(seq) })
}

func (m *Manager) heartbeatTick(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.heartbeatSeq || m.heartbeat == nil {
		return
	}

	if m.state == StateConnected {
		if idle := m.clock.Now().Sub(m.lastMessage); idle > m.cfg.StaleAfter {
			m.logger.Warn("connection stale", "idle", idle.String())
			m.scheduleReconnectLocked("stale")
		}
	}
	m.armHeartbeatLocked()
}

func (m *Manager) stopHeartbeatLocked() {
	m.heartbeatSeq++
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// scheduleReconnectLocked applies the reconnect policy: give up after the
// configured number of attempts, otherwise replace any pending timer with one
// firing after the backoff delay.
func (m *Manager) scheduleReconnectLocked(reason string) {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted, waiting for a forced reconnect",
			"attempts", m.attempts, "reason", reason)
		return
	}
	m.attempts++
	delay := ReconnectDelay(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectCap)

	m.cancelReconnectLocked()
	seq := m.reconnectSeq
	m.reconnect = m.clock.AfterFunc(delay, func() { m.reconnectFired(seq) })

	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "delay", delay.String(), "reason", reason)
	m.metrics.RecordReconnect(context.Background())
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectSeq++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) reconnectFired(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.reconnect == nil {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	chans := m.teardownLocked(StateDisconnected)
	// The next subscription restarts the idle clock.
	m.lastMessage = time.Time{}
	hook := m.cfg.OnReconnect
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	m.closeChannels(ctx, chans)

	m.logger.Info("channels released for reconnect")
	if hook != nil {
		hook(m)
	}
}

// teardownLocked stops the timers, forgets every subscription, the queue and
// the dedup history, moves to next and returns the channels to release. The
// reconnect attempt counter is left alone.
func (m *Manager) teardownLocked(next State) []transport.Channel {
	m.stopHeartbeatLocked()
	m.cancelReconnectLocked()

	chans := make([]transport.Channel, 0, len(m.order))
	for _, sub := range m.order {
		if sub.ch != nil {
			chans = append(chans, sub.ch)
		}
	}
	m.subs = make(map[string]*Subscription)
	m.order = nil
	m.queue.Reset()
	m.dedup.Reset()
	m.setStateLocked(next)
	return chans
}

func (m *Manager) closeChannels(ctx context.Context, chans []transport.Channel) {
	for _, ch := range chans {
		if err := m.tr.Close(ctx, ch); err != nil {
			m.logger.Warn("failed to close channel", "topic", ch.Topic(), "error", err)
		}
	}
}

// Cleanup stops all timers, releases every channel, clears the queue and
// dedup history and leaves the manager disconnected with the reconnect
// counter and last-message time zeroed. It is safe to call repeatedly.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	chans := m.teardownLocked(StateDisconnected)
	m.attempts = 0
	m.lastMessage = time.Time{}
	m.mu.Unlock()

	m.closeChannels(ctx, chans)
	if len(chans) > 0 {
		m.logger.Info("cleaned up", "channels", len(chans))
	}
}

// ForceReconnect tears everything down like Cleanup and starts over in the
// connecting state with a fresh attempt budget. Subscriptions are not
// recreated; the caller subscribes again.
func (m *Manager) ForceReconnect(ctx context.Context) {
	m.mu.Lock()
	chans := m.teardownLocked(StateConnecting)
	m.attempts = 0
	m.lastMessage = m.clock.Now()
	m.mu.Unlock()

	m.closeChannels(ctx, chans)
	m.logger.Info("forced reconnect", "released", len(chans))
}

// TestConnection publishes a probe message through the transport's write
// path. It reports false on any failure and never panics.
func (m *Manager) TestConnection(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection test panicked", "panic", r)
			ok = false
		}
	}()

	probe := map[string]any{
		"id":          uuid.NewString(),
		"session_id":  "connection-test",
		"sender_type": SenderSystem,
		"content":     "connection test",
		"created_at":  m.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.tr.Publish(ctx, m.cfg.Tables.Messages, probe); err != nil {
		m.logger.Warn("connection test failed", "error", err)
		return false
	}
	return true
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Role:              m.role,
		State:             m.state,
		Channels:          len(m.subs),
		ReconnectAttempts: m.attempts,
		QueuedMessages:    m.queue.Len(),
		LastMessageAt:     m.lastMessage,
	}
	if !m.lastMessage.IsZero() {
		st.SinceLastMessage = m.clock.Now().Sub(m.lastMessage)
		st.RecentActivity = st.SinceLastMessage < m.cfg.RecentWindow
	}
	return st
}

// IsHealthy reports a connected manager owning at least one channel.
// Message recency is not part of the check; see Status.RecentActivity.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && len(m.subs) > 0
}
