// Package pgnotify is a transport.Transport on plain PostgreSQL
// LISTEN/NOTIFY. Each table maps to one notification channel
// (prefix + table) fed by the trigger from TriggerSQL; bindings are
// evaluated on the client because NOTIFY carries no server-side filter.
package pgnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/transport"
)

const (
	// DefaultPrefix is prepended to table names to form channel names.
	DefaultPrefix = "realtime_"

	defaultConnectTimeout = 10 * time.Second
	closeTimeout          = 5 * time.Second
)

// Config configures a Transport.
type Config struct {
	DatabaseURL    string
	Prefix         string        // realtime_
	ConnectTimeout time.Duration // 10s
	Logger         *slog.Logger
}

// Transport listens on one dedicated connection and publishes on another.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	session  *session
	channels map[string]*Channel // topic -> channel
	shutdown bool

	pubMu sync.Mutex
	pub   *pgx.Conn
}

// Channel is a topic bound to a notification channel.
type Channel struct {
	topic   string
	name    string // notification channel
	binding transport.Binding
	handler transport.Handler

	// guarded by Transport.mu
	session   *session
	listening bool
	failed    bool // LISTEN was rejected and reported
}

// Topic implements transport.Channel.
func (c *Channel) Topic() string { return c.topic }

// New validates cfg. No connection is made until the first Open.
func New(cfg Config) (*Transport, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("pgnotify: database url is required")
	}
	if _, err := pgx.ParseConfig(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("pgnotify: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Component("pgnotify")
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*Channel),
	}, nil
}

// ChannelName returns the notification channel for table.
func ChannelName(prefix, table string) string {
	return prefix + table
}

// Open binds topic to the table's notification channel. SUBSCRIBED is
// reported once LISTEN succeeds, CHANNEL_ERROR if it fails.
func (t *Transport) Open(topic string, b transport.Binding, h transport.Handler) (transport.Channel, error) {
	if b.Table == "" || b.Table == "*" {
		return nil, fmt.Errorf("pgnotify: binding needs a concrete table")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, transport.ErrClosed
	}
	if _, exists := t.channels[topic]; exists {
		return nil, fmt.Errorf("channel %q already open", topic)
	}

	s, err := t.connectLocked()
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		topic:   topic,
		name:    ChannelName(t.cfg.Prefix, b.Table),
		binding: b,
		handler: h,
		session: s,
	}
	t.channels[topic] = ch
	s.submitLocked(command{listen: true, name: ch.name, ch: ch})

	t.logger.Debug("opening channel", "topic", topic, "channel", ch.name, "event", b.Event, "filter", b.Filter)
	return ch, nil
}

func (t *Transport) connectLocked() (*session, error) {
	if t.session != nil {
		return t.session, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()
	conn, err := pgx.Connect(ctx, t.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}

	s := newSession(t, conn)
	t.session = s
	go s.dispatch()
	go s.run()

	t.logger.Info("listener connected", "host", conn.Config().Host)
	return s, nil
}

// Close releases the channel. UNLISTEN is issued when no other channel
// uses the same notification channel, and the listener connection is
// closed with the last channel.
func (t *Transport) Close(ctx context.Context, tc transport.Channel) error {
	ch, ok := tc.(*Channel)
	if !ok {
		return fmt.Errorf("pgnotify: foreign channel %T", tc)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.channels[ch.topic]; !ok || current != ch {
		return nil
	}
	delete(t.channels, ch.topic)

	s := ch.session
	ch.session = nil
	if s == nil {
		return nil
	}
	ch.listening = false
	s.submitLocked(command{name: ch.name, ch: ch})

	if len(t.channels) == 0 && t.session == s {
		t.session = nil
		s.stop()
		t.logger.Info("listener closed", "reason", "no channels left")
	}
	return nil
}

// Shutdown drops every channel without notifying handlers and closes both
// connections. The transport cannot be used afterwards.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	for topic, ch := range t.channels {
		ch.session = nil
		delete(t.channels, topic)
	}
	if t.session != nil {
		t.session.stop()
		t.session = nil
	}
	t.mu.Unlock()

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.pub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		t.pub.Close(ctx)
		t.pub = nil
	}
}

// Publish sends record as an INSERT notification on the table's channel.
// Listeners on any process see it exactly like a trigger-emitted change.
func (t *Transport) Publish(ctx context.Context, table string, record map[string]any) error {
	payload, err := json.Marshal(Payload{
		Schema:          transport.DefaultSchema,
		Table:           table,
		Type:            transport.EventInsert,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Record:          record,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	closed := t.shutdown
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	if t.pub == nil || t.pub.IsClosed() {
		connectCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
		conn, err := pgx.Connect(connectCtx, t.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect publisher: %w", err)
		}
		t.pub = conn
	}

	name := ChannelName(t.cfg.Prefix, table)
	if _, err := t.pub.Exec(ctx, "SELECT pg_notify($1, $2)", name, string(payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", table, err)
	}
	return nil
}

// Install creates the notify function and per-table triggers so row changes
// on tables are announced on their channels.
func (t *Transport) Install(ctx context.Context, schema string, tables ...string) error {
	connectCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, err := pgx.Connect(connectCtx, t.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, FunctionSQL(t.cfg.Prefix)); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, table := range tables {
		for _, stmt := range TriggerSQL(schema, table) {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create trigger on %s: %w", table, err)
			}
		}
		t.logger.Info("trigger installed", "schema", schema, "table", table,
			"channel", ChannelName(t.cfg.Prefix, table))
	}
	return nil
}

// lost fails every channel on s after the listener connection broke. The
// next Open connects again.
func (t *Transport) lost(s *session, err error) {
	t.mu.Lock()
	if t.session == s {
		t.session = nil
	}
	var failed []*Channel
	for _, ch := range t.channels {
		if ch.session != s {
			continue
		}
		ch.session = nil
		ch.listening = false
		if !ch.failed {
			failed = append(failed, ch)
		}
	}
	t.mu.Unlock()

	if len(failed) == 0 {
		return
	}
	t.logger.Warn("listener connection lost", "channels", len(failed), "error", err)
	cause := fmt.Errorf("listener lost: %w", err)
	for _, ch := range failed {
		ch := ch
		s.enqueue(func() { ch.status(transport.StatusChannelError, cause) })
	}
}

// listened records the outcome of a LISTEN for ch.
func (t *Transport) listened(s *session, ch *Channel, err error) {
	t.mu.Lock()
	current, ok := t.channels[ch.topic]
	if !ok || current != ch || ch.session != s {
		t.mu.Unlock()
		return
	}
	if err == nil {
		ch.listening = true
	} else {
		ch.failed = true
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("listen failed", "channel", ch.name, "error", err)
		s.enqueue(func() { ch.status(transport.StatusChannelError, err) })
		return
	}
	s.enqueue(func() { ch.status(transport.StatusSubscribed, nil) })
}

// notify routes a notification to every listening channel whose binding
// accepts it.
func (t *Transport) notify(s *session, name, raw string) {
	change, err := DecodePayload(raw)
	if err != nil {
		t.logger.Debug("undecodable notification", "channel", name, "error", err)
		return
	}

	t.mu.Lock()
	var targets []*Channel
	for _, ch := range t.channels {
		if ch.session == s && ch.listening && ch.name == name && ch.binding.Matches(change) {
			targets = append(targets, ch)
		}
	}
	t.mu.Unlock()

	for _, ch := range targets {
		ch := ch
		s.enqueue(func() { ch.change(change) })
	}
}

func (ch *Channel) status(s transport.Status, err error) {
	if ch.handler.OnStatus != nil {
		ch.handler.OnStatus(s, err)
	}
}

func (ch *Channel) change(c transport.Change) {
	if ch.handler.OnChange != nil {
		ch.handler.OnChange(c)
	}
}
