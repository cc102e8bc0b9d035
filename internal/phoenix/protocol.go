// Package phoenix implements the Phoenix Protocol v1.0.0 framing used by
// Supabase Realtime. Both the socket transport (client side) and the local
// relay (server side) speak it, so the codec lives here.
package phoenix

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Message is a single Phoenix frame.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
)

// Server events
const (
	EventReply    = "phx_reply"
	EventClose    = "phx_close"
	EventError    = "phx_error"
	EventSystem   = "system"
	EventPostgres = "postgres_changes"
)

// TopicPhoenix carries heartbeats.
const TopicPhoenix = "phoenix"

// TopicPrefix is prepended to every channel topic on the wire.
const TopicPrefix = "realtime:"

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// JoinConfig holds channel join configuration
type JoinConfig struct {
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// PostgresChangeSub holds a postgres_changes subscription
type PostgresChangeSub struct {
	Event  string `json:"event"`  // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"` // "public"
	Table  string `json:"table"`  // table name or "*"
	Filter string `json:"filter"` // e.g., "session_id=eq.123"
	ID     int    `json:"id"`     // subscription ID (assigned by server)
}

// ChangeEvent represents a database change
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// Refs hands out monotonically increasing message refs.
type Refs struct {
	n atomic.Uint64
}

// Next returns the next ref as a string.
func (r *Refs) Next() string {
	return strconv.FormatUint(r.n.Add(1), 10)
}

// ParseJoinPayload extracts JoinConfig and access_token from phx_join payload
func ParseJoinPayload(payload map[string]any) (*JoinConfig, string, error) {
	config := &JoinConfig{}

	token, _ := payload["access_token"].(string)

	configMap, ok := payload["config"].(map[string]any)
	if !ok {
		// Config is optional, return defaults
		return config, token, nil
	}

	if pgc, ok := configMap["postgres_changes"].([]any); ok {
		for i, item := range pgc {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, "", fmt.Errorf("postgres_changes[%d]: expected object", i)
			}
			pgSub := PostgresChangeSub{}
			pgSub.Event, _ = sub["event"].(string)
			pgSub.Schema, _ = sub["schema"].(string)
			pgSub.Table, _ = sub["table"].(string)
			pgSub.Filter, _ = sub["filter"].(string)
			config.PostgresChanges = append(config.PostgresChanges, pgSub)
		}
	}

	if private, ok := configMap["private"].(bool); ok {
		config.Private = private
	}

	return config, token, nil
}

// NewJoin creates a phx_join message for the given bindings.
func NewJoin(topic, ref, accessToken string, subs []PostgresChangeSub) *Message {
	changes := make([]any, 0, len(subs))
	for _, s := range subs {
		changes = append(changes, map[string]any{
			"event":  s.Event,
			"schema": s.Schema,
			"table":  s.Table,
			"filter": s.Filter,
		})
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"ack": false, "self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": changes,
			"private":          false,
		},
	}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Payload: payload,
		Ref:     ref,
		JoinRef: ref,
	}
}

// NewLeave creates a phx_leave message.
func NewLeave(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewHeartbeat creates a heartbeat on the phoenix topic.
func NewHeartbeat(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Payload: map[string]any{},
		Ref:     ref,
	}
}

// NewAccessToken creates an access_token refresh for a joined topic.
func NewAccessToken(topic, joinRef, ref, token string) *Message {
	return &Message{
		Event:   EventAccessToken,
		Topic:   topic,
		Payload: map[string]any{"access_token": token},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewReply creates a phx_reply message
func NewReply(topic, joinRef, ref, status string, response map[string]any) *Message {
	return &Message{
		Event:   EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

// NewSystemMessage creates a system message for subscription status
func NewSystemMessage(topic, joinRef string, status, message, extension string) *Message {
	return &Message{
		Event:   EventSystem,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"status":    status,
			"message":   message,
			"extension": extension,
		},
	}
}

// NewPostgresChangeMessage creates a postgres_changes message
func NewPostgresChangeMessage(topic, joinRef string, ids []int, event ChangeEvent) *Message {
	return &Message{
		Event:   EventPostgres,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"ids":  ids,
			"data": event,
		},
	}
}

// ReplyStatus returns the status of a phx_reply and its response object.
func (m *Message) ReplyStatus() (string, map[string]any) {
	status, _ := m.Payload["status"].(string)
	response, _ := m.Payload["response"].(map[string]any)
	return status, response
}

// DecodeChange extracts the change carried by a postgres_changes frame.
// The payload arrives as generic JSON, so it is round-tripped through
// encoding/json rather than probed field by field.
func DecodeChange(m *Message) (*ChangeEvent, error) {
	if m.Event != EventPostgres {
		return nil, fmt.Errorf("not a postgres_changes frame: %s", m.Event)
	}
	data, ok := m.Payload["data"]
	if !ok || data == nil {
		return nil, fmt.Errorf("postgres_changes frame without data")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode change data: %w", err)
	}
	var ev ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode change data: %w", err)
	}
	// Supabase sends "type" on the wire in newer servers.
	if ev.EventType == "" {
		if dm, ok := data.(map[string]any); ok {
			ev.EventType, _ = dm["type"].(string)
		}
	}
	if ev.New == nil {
		if dm, ok := data.(map[string]any); ok {
			ev.New, _ = dm["record"].(map[string]any)
			if ev.Old == nil {
				ev.Old, _ = dm["old_record"].(map[string]any)
			}
		}
	}
	return &ev, nil
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}
