package realtime

import (
	"encoding/json"
	"strconv"

	"github.com/markb/csrealtime/internal/transport"
)

// Sender types found in the sender_type column of messages.
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
	SenderSystem   = "system"
)

// Event is a decoded change delivered to a subscription. It is one of
// MessageEvent, SessionEvent or AgentStatusEvent.
type Event interface {
	Kind() Kind
	// EventID is the row id, or "" when the row carries none.
	EventID() string
	dedupKey() string
}

// Change carries the fields common to every event.
type Change struct {
	Type            string // INSERT, UPDATE or DELETE
	CommitTimestamp string
	Record          map[string]any // new row, or old row for deletes
	OldRecord       map[string]any
}

// MessageEvent is a chat message row.
type MessageEvent struct {
	Change
	ID         string
	SessionID  string
	SenderType string
	SenderID   string
	Content    string
	CreatedAt  string
}

func (MessageEvent) Kind() Kind         { return KindMessages }
func (e MessageEvent) EventID() string  { return e.ID }
func (e MessageEvent) dedupKey() string { return e.ID }

// SessionEvent is a chat session row change.
type SessionEvent struct {
	Change
	ID         string
	CustomerID string
	AgentID    string
	Status     string
}

func (SessionEvent) Kind() Kind        { return KindSessions }
func (e SessionEvent) EventID() string { return e.ID }

// Sessions are updated in place, so the id alone would swallow every change
// after the first.
func (e SessionEvent) dedupKey() string { return changeKey(e.Change, e.ID) }

// AgentStatusEvent is an agent availability change.
type AgentStatusEvent struct {
	Change
	ID        string
	AgentID   string
	Status    string
	UpdatedAt string
}

func (AgentStatusEvent) Kind() Kind         { return KindAgentStatus }
func (e AgentStatusEvent) EventID() string  { return e.ID }
func (e AgentStatusEvent) dedupKey() string { return changeKey(e.Change, e.ID) }

func changeKey(c Change, id string) string {
	if id == "" {
		return ""
	}
	return c.Type + ":" + id + ":" + c.CommitTimestamp
}

func newChange(c transport.Change) Change {
	return Change{
		Type:            c.Type,
		CommitTimestamp: c.CommitTimestamp,
		Record:          c.Record(),
		OldRecord:       c.Old,
	}
}

// decodeEvent builds the typed event for kind. Missing or oddly typed
// columns decode as empty strings.
func decodeEvent(kind Kind, c transport.Change) Event {
	base := newChange(c)
	row := base.Record

	switch kind {
	case KindMessages:
		return MessageEvent{
			Change:     base,
			ID:         field(row, "id"),
			SessionID:  field(row, "session_id"),
			SenderType: field(row, "sender_type"),
			SenderID:   field(row, "sender_id"),
			Content:    field(row, "content"),
			CreatedAt:  field(row, "created_at"),
		}
	case KindSessions:
		return SessionEvent{
			Change:     base,
			ID:         field(row, "id"),
			CustomerID: field(row, "customer_id"),
			AgentID:    field(row, "agent_id"),
			Status:     field(row, "status"),
		}
	default:
		agentID := field(row, "agent_id")
		if agentID == "" {
			agentID = field(row, "id")
		}
		return AgentStatusEvent{
			Change:    base,
			ID:        field(row, "id"),
			AgentID:   agentID,
			Status:    field(row, "status"),
			UpdatedAt: field(row, "updated_at"),
		}
	}
}

func field(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
