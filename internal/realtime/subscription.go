package realtime

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/markb/csrealtime/internal/phoenix"
	"github.com/markb/csrealtime/internal/transport"
)

// Subscription is a handle to one stream owned by a Manager. Pass it back to
// Manager.Unsubscribe; it has no behaviour of its own.
type Subscription struct {
	id      string
	kind    Kind
	scope   string
	topic   string
	binding transport.Binding
	deliver func(Event)

	// guarded by Manager.mu
	ch transport.Channel
}

func newSubscription(kind Kind, scope string, b transport.Binding, deliver func(Event)) *Subscription {
	id := uuid.NewString()
	label := scope
	if label == "" {
		label = "all"
	}
	return &Subscription{
		id:      id,
		kind:    kind,
		scope:   scope,
		topic:   fmt.Sprintf("%s-%s-%s", kind, label, id),
		binding: b,
		deliver: deliver,
	}
}

// ID is unique within the process.
func (s *Subscription) ID() string { return s.id }

// Kind is the stream the subscription follows.
func (s *Subscription) Kind() Kind { return s.kind }

// Scope is the session or customer id given at subscribe time, if any.
func (s *Subscription) Scope() string { return s.scope }

// Topic is the channel topic opened on the transport.
func (s *Subscription) Topic() string { return s.topic }

// accepts applies the role and scope policy. Agents see only customer
// messages; a scoped customer sees only messages of that session. Session
// and agent status streams are narrowed by their binding instead.
func (s *Subscription) accepts(role Role, ev Event) bool {
	msg, ok := ev.(MessageEvent)
	if !ok {
		return true
	}
	if role == RoleAgent {
		return msg.SenderType == SenderCustomer
	}
	if s.scope != "" {
		return msg.SessionID == s.scope
	}
	return true
}

func messagesBinding(t Tables) transport.Binding {
	return transport.Binding{Event: transport.EventInsert, Schema: t.Schema, Table: t.Messages}
}

func sessionsBinding(t Tables, role Role, scope string) transport.Binding {
	b := transport.Binding{Event: transport.EventAll, Schema: t.Schema, Table: t.Sessions}
	if role == RoleCustomer && scope != "" {
		b.Filter = phoenix.Filter{Column: "customer_id", Operator: "eq", Value: scope}.String()
	}
	return b
}

func agentStatusBinding(t Tables) transport.Binding {
	return transport.Binding{Event: transport.EventUpdate, Schema: t.Schema, Table: t.AgentStatus}
}
