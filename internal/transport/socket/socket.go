// Package socket is a transport.Transport for Supabase Realtime: channels
// are Phoenix topics multiplexed over one websocket, and Publish writes
// through the PostgREST endpoint of the same project.
package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/phoenix"
	"github.com/markb/csrealtime/internal/transport"
)

const (
	// ProtocolVersion is the Phoenix serializer version requested on connect.
	ProtocolVersion = "1.0.0"

	defaultJoinTimeout = 10 * time.Second
	defaultHeartbeat   = 25 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// Config configures a socket Transport.
type Config struct {
	// URL is the project URL, e.g. https://xyz.supabase.co. ws(s) URLs are
	// accepted too.
	URL    string
	APIKey string
	// AccessToken is sent on join and as the REST bearer token. Defaults to APIKey.
	AccessToken string

	JoinTimeout       time.Duration // 10s
	HeartbeatInterval time.Duration // 25s

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Transport multiplexes channels over one lazily dialed websocket.
type Transport struct {
	cfg     Config
	wsURL   string
	restURL string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	refs    phoenix.Refs

	mu       sync.Mutex
	conn     *conn
	channels map[string]*Channel // wire topic -> channel
	shutdown bool
}

// Channel is a joined (or joining) Phoenix topic.
type Channel struct {
	topic   string
	wire    string
	joinRef string
	binding transport.Binding
	handler transport.Handler

	// guarded by Transport.mu
	conn       *conn
	joined     bool
	leftByPeer bool
	timer      *time.Timer
}

// Topic implements transport.Channel.
func (c *Channel) Topic() string { return c.topic }

// New validates cfg and derives the realtime and REST endpoints. No
// connection is made until the first Open.
func New(cfg Config) (*Transport, error) {
	wsURL, restURL, err := Endpoints(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = cfg.APIKey
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}

	t := &Transport{
		cfg:      cfg,
		wsURL:    wsURL,
		restURL:  restURL,
		http:     cfg.HTTPClient,
		dialer:   cfg.Dialer,
		logger:   cfg.Logger,
		channels: make(map[string]*Channel),
	}
	if t.http == nil {
		t.http = &http.Client{Timeout: 15 * time.Second}
	}
	if t.dialer == nil {
		t.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if t.logger == nil {
		t.logger = log.Component("socket")
	}
	return t, nil
}

// Endpoints derives the realtime websocket URL and the REST base URL from a
// project URL.
func Endpoints(project, apiKey string) (wsURL, restURL string, err error) {
	u, err := url.Parse(project)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("url %q has no host", project)
	}

	var wsScheme, httpScheme string
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		wsScheme, httpScheme = "ws", "http"
	case "https", "wss":
		wsScheme, httpScheme = "wss", "https"
	default:
		return "", "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	base := strings.TrimSuffix(u.Path, "/")

	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", ProtocolVersion)
	ws := url.URL{Scheme: wsScheme, Host: u.Host, Path: base + "/realtime/v1/websocket", RawQuery: q.Encode()}
	rest := url.URL{Scheme: httpScheme, Host: u.Host, Path: base + "/rest/v1/"}
	return ws.String(), rest.String(), nil
}

// Open joins topic with a single postgres_changes binding. The outcome is
// reported through h.OnStatus: SUBSCRIBED on an ok reply, CHANNEL_ERROR on a
// rejected join, TIMED_OUT when no reply arrives within the join timeout.
func (t *Transport) Open(topic string, b transport.Binding, h transport.Handler) (transport.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, transport.ErrClosed
	}
	wire := phoenix.TopicPrefix + topic
	if _, exists := t.channels[wire]; exists {
		return nil, fmt.Errorf("channel %q already open", topic)
	}

	c, err := t.connectLocked()
	if err != nil {
		return nil, err
	}

	schema := b.Schema
	if schema == "" {
		schema = transport.DefaultSchema
	}
	event := b.Event
	if event == "" {
		event = transport.EventAll
	}

	ch := &Channel{
		topic:   topic,
		wire:    wire,
		joinRef: t.refs.Next(),
		binding: b,
		handler: h,
		conn:    c,
	}
	join := phoenix.NewJoin(wire, ch.joinRef, t.cfg.AccessToken, []phoenix.PostgresChangeSub{{
		Event:  event,
		Schema: schema,
		Table:  b.Table,
		Filter: b.Filter,
	}})
	if err := c.write(join); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}
	t.channels[wire] = ch
	ch.timer = time.AfterFunc(t.cfg.JoinTimeout, func() { t.joinTimedOut(ch) })

	t.logger.Debug("joining channel", "topic", wire, "table", b.Table, "event", event, "filter", b.Filter)
	return ch, nil
}

// connectLocked returns the live connection, dialing a new one if needed.
func (t *Transport) connectLocked() (*conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	ws, resp, err := t.dialer.Dial(t.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c := newConn(ws, t.cfg.HeartbeatInterval, &t.refs, t.logger)
	t.conn = c
	go c.writePump()
	go c.dispatch()
	go c.readPump(t.route, t.connLost)

	t.logger.Info("realtime socket connected", "host", ws.RemoteAddr().String())
	return c, nil
}

func (t *Transport) joinTimedOut(ch *Channel) {
	t.mu.Lock()
	current, ok := t.channels[ch.wire]
	if !ok || current != ch || ch.joined || ch.conn == nil {
		t.mu.Unlock()
		return
	}
	c := ch.conn
	t.mu.Unlock()

	t.logger.Warn("channel join timed out", "topic", ch.wire, "timeout", t.cfg.JoinTimeout.String())
	c.enqueue(func() { ch.status(transport.StatusTimedOut, nil) })
}

// route handles one inbound frame on the read goroutine of c.
func (t *Transport) route(c *conn, msg *phoenix.Message) {
	if msg.Topic == phoenix.TopicPhoenix {
		return
	}

	t.mu.Lock()
	ch, ok := t.channels[msg.Topic]
	if !ok || ch.conn != c {
		t.mu.Unlock()
		return
	}

	var deliver func()
	switch msg.Event {
	case phoenix.EventReply:
		if msg.Ref != ch.joinRef || ch.joined {
			break
		}
		status, response := msg.ReplyStatus()
		if ch.timer != nil {
			ch.timer.Stop()
		}
		if status == phoenix.StatusOK {
			ch.joined = true
			deliver = func() { ch.status(transport.StatusSubscribed, nil) }
		} else {
			err := fmt.Errorf("join rejected: %v", response["reason"])
			deliver = func() { ch.status(transport.StatusChannelError, err) }
		}
	case phoenix.EventSystem:
		if status, _ := msg.Payload["status"].(string); status == phoenix.StatusError {
			err := fmt.Errorf("realtime: %v", msg.Payload["message"])
			deliver = func() { ch.status(transport.StatusChannelError, err) }
		}
	case phoenix.EventError:
		ch.joined = false
		deliver = func() { ch.status(transport.StatusChannelError, fmt.Errorf("channel error")) }
	case phoenix.EventClose:
		ch.joined = false
		ch.leftByPeer = true
		deliver = func() { ch.status(transport.StatusClosed, nil) }
	case phoenix.EventPostgres:
		ev, err := phoenix.DecodeChange(msg)
		if err != nil {
			t.logger.Debug("undecodable change", "topic", msg.Topic, "error", err)
			break
		}
		change := transport.FromPhoenix(ev)
		deliver = func() { ch.change(change) }
	}
	t.mu.Unlock()

	if deliver != nil {
		c.enqueue(deliver)
	}
}

// connLost fails every channel riding on c and forgets the socket so the
// next Open dials again.
func (t *Transport) connLost(c *conn, err error) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	var lost []*Channel
	for _, ch := range t.channels {
		if ch.conn != c {
			continue
		}
		if ch.timer != nil {
			ch.timer.Stop()
		}
		ch.conn = nil
		ch.joined = false
		lost = append(lost, ch)
	}
	t.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	t.logger.Warn("realtime socket lost", "channels", len(lost), "error", err)
	cause := fmt.Errorf("socket closed: %w", err)
	for _, ch := range lost {
		ch := ch
		c.enqueue(func() { ch.status(transport.StatusChannelError, cause) })
	}
}

// Close leaves the channel. The socket is closed with the last channel.
func (t *Transport) Close(ctx context.Context, tc transport.Channel) error {
	ch, ok := tc.(*Channel)
	if !ok {
		return fmt.Errorf("socket: foreign channel %T", tc)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.channels[ch.wire]; !ok || current != ch {
		return nil
	}
	delete(t.channels, ch.wire)
	if ch.timer != nil {
		ch.timer.Stop()
	}

	var err error
	if c := ch.conn; c != nil && !ch.leftByPeer {
		err = c.write(phoenix.NewLeave(ch.wire, ch.joinRef, t.refs.Next()))
	}
	ch.conn = nil

	if len(t.channels) == 0 && t.conn != nil {
		t.conn.shutdown()
		t.conn = nil
		t.logger.Info("realtime socket closed", "reason", "no channels left")
	}
	return err
}

// Shutdown drops every channel without notifying handlers and closes the
// socket. The transport cannot be used afterwards.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdown = true
	for wire, ch := range t.channels {
		if ch.timer != nil {
			ch.timer.Stop()
		}
		ch.conn = nil
		delete(t.channels, wire)
	}
	if t.conn != nil {
		t.conn.shutdown()
		t.conn = nil
	}
}

// Publish inserts record into table through the REST endpoint.
func (t *Transport) Publish(ctx context.Context, table string, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.restURL+url.PathEscape(table), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", t.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("publish to %s: HTTP %d: %s", table, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
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
