package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/csrealtime/internal/transport"
)

func TestDecodeMessageEvent(t *testing.T) {
	ev := decodeEvent(KindMessages, transport.Change{
		Type:            transport.EventInsert,
		CommitTimestamp: "2026-01-02T03:04:05Z",
		New: map[string]any{
			"id":          float64(981),
			"session_id":  "sess-42",
			"sender_type": "customer",
			"sender_id":   "c-1",
			"content":     "hello",
			"created_at":  "2026-01-02T03:04:05Z",
		},
	})

	msg, ok := ev.(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, KindMessages, msg.Kind())
	assert.Equal(t, "981", msg.ID)
	assert.Equal(t, "sess-42", msg.SessionID)
	assert.Equal(t, SenderCustomer, msg.SenderType)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "INSERT", msg.Type)
	assert.Equal(t, "981", msg.dedupKey())
}

func TestDecodeToleratesMissingFields(t *testing.T) {
	for _, kind := range []Kind{KindMessages, KindSessions, KindAgentStatus} {
		t.Run(string(kind), func(t *testing.T) {
			ev := decodeEvent(kind, transport.Change{Type: transport.EventUpdate})
			assert.Equal(t, kind, ev.Kind())
			assert.Empty(t, ev.EventID())
			assert.Empty(t, ev.dedupKey())
		})
	}

	ev := decodeEvent(KindMessages, transport.Change{New: map[string]any{"id": []any{1}, "content": nil}})
	assert.Empty(t, ev.EventID())
}

func TestDecodeSessionDelete(t *testing.T) {
	ev := decodeEvent(KindSessions, transport.Change{
		Type: transport.EventDelete,
		Old:  map[string]any{"id": "s-1", "customer_id": "c-9"},
	})

	s := ev.(SessionEvent)
	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, "c-9", s.CustomerID)
	assert.Equal(t, "c-9", s.Record["customer_id"])
}

func TestSessionDedupKeyDistinguishesUpdates(t *testing.T) {
	first := decodeEvent(KindSessions, transport.Change{
		Type: transport.EventUpdate, CommitTimestamp: "t1",
		New: map[string]any{"id": "s-1", "status": "waiting"},
	})
	second := decodeEvent(KindSessions, transport.Change{
		Type: transport.EventUpdate, CommitTimestamp: "t2",
		New: map[string]any{"id": "s-1", "status": "active"},
	})

	assert.Equal(t, first.EventID(), second.EventID())
	assert.NotEqual(t, first.dedupKey(), second.dedupKey())
	assert.Equal(t, "UPDATE:s-1:t1", first.dedupKey())
}

func TestDecodeAgentStatusFallsBackToID(t *testing.T) {
	ev := decodeEvent(KindAgentStatus, transport.Change{
		Type: transport.EventUpdate,
		New:  map[string]any{"id": "agent-7", "status": "online", "updated_at": "now"},
	}).(AgentStatusEvent)

	assert.Equal(t, "agent-7", ev.AgentID)
	assert.Equal(t, "online", ev.Status)

	ev = decodeEvent(KindAgentStatus, transport.Change{
		New: map[string]any{"id": "row-1", "agent_id": "agent-8"},
	}).(AgentStatusEvent)
	assert.Equal(t, "agent-8", ev.AgentID)
}

func TestSubscriptionAccepts(t *testing.T) {
	scoped := &Subscription{kind: KindMessages, scope: "sess-42"}
	open := &Subscription{kind: KindMessages}

	fromAgent := MessageEvent{ID: "1", SessionID: "sess-42", SenderType: SenderAgent}
	fromCustomer := MessageEvent{ID: "2", SessionID: "sess-1", SenderType: SenderCustomer}

	assert.False(t, open.accepts(RoleAgent, fromAgent))
	assert.True(t, open.accepts(RoleAgent, fromCustomer))
	assert.True(t, scoped.accepts(RoleAgent, fromCustomer), "scope is ignored for agents")

	assert.True(t, scoped.accepts(RoleCustomer, fromAgent))
	assert.False(t, scoped.accepts(RoleCustomer, fromCustomer))
	assert.True(t, open.accepts(RoleCustomer, fromCustomer))

	assert.True(t, scoped.accepts(RoleCustomer, SessionEvent{ID: "x"}))
}

func TestBindings(t *testing.T) {
	tables := Config{}.withDefaults().Tables

	b := messagesBinding(tables)
	assert.Equal(t, transport.Binding{Event: "INSERT", Schema: "public", Table: "messages"}, b)

	b = sessionsBinding(tables, RoleCustomer, "cust-1")
	assert.Equal(t, "*", b.Event)
	assert.Equal(t, "chat_sessions", b.Table)
	assert.Equal(t, "customer_id=eq.cust-1", b.Filter)

	assert.Empty(t, sessionsBinding(tables, RoleAgent, "cust-1").Filter)
	assert.Empty(t, sessionsBinding(tables, RoleCustomer, "").Filter)

	b = agentStatusBinding(tables)
	assert.Equal(t, "UPDATE", b.Event)
	assert.Equal(t, "agent_status", b.Table)
}
