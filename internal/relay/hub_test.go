package relay

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/phoenix"
)

const testSecret = "test-secret"

func newTestHub() *Hub {
	return NewHub(testSecret, nil, log.Discard())
}

// testConn is a Conn without a socket; frames land in send.
func testConn(id string) *Conn {
	return &Conn{
		id:       id,
		logger:   log.Discard(),
		channels: make(map[string]*ChannelSub),
		send:     make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *Conn) nextFrame(t *testing.T) *phoenix.Message {
	t.Helper()
	select {
	case data := <-c.send:
		msg, err := phoenix.DecodeMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func (c *Conn) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}

func TestHubStats(t *testing.T) {
	hub := newTestHub()
	assert.Equal(t, 0, hub.Stats().Connections)
	assert.Equal(t, 0, hub.Stats().Channels)

	conn := testConn("conn-1")
	hub.registerConn(conn)
	hub.registerConn(testConn("conn-2"))

	ch1 := hub.getOrCreateChannel("realtime:ch1")
	hub.getOrCreateChannel("realtime:ch2")
	ch1.addSubscriber(conn.id, &ChannelSub{conn: conn, joinRef: "1", pgChanges: []phoenix.PostgresChangeSub{{ID: 1}, {ID: 2}}})

	stats := hub.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.Channels)
	require.Len(t, stats.ChannelDetails, 2)

	byTopic := map[string]ChannelStats{}
	for _, cs := range stats.ChannelDetails {
		byTopic[cs.Topic] = cs
	}
	assert.Equal(t, ChannelStats{Topic: "realtime:ch1", Subscribers: 1, Bindings: 2}, byTopic["realtime:ch1"])
	assert.Equal(t, ChannelStats{Topic: "realtime:ch2"}, byTopic["realtime:ch2"])
}

func TestHubGetOrCreateChannel(t *testing.T) {
	hub := newTestHub()

	assert.Nil(t, hub.getChannel("realtime:test"))
	ch1 := hub.getOrCreateChannel("realtime:test")
	ch2 := hub.getOrCreateChannel("realtime:test")
	assert.Same(t, ch1, ch2)
	assert.Same(t, ch1, hub.getChannel("realtime:test"))
}

func TestHubUnregisterConnCleansChannels(t *testing.T) {
	hub := newTestHub()
	a, b := testConn("a"), testConn("b")
	hub.registerConn(a)
	hub.registerConn(b)

	solo := hub.getOrCreateChannel("realtime:solo")
	solo.addSubscriber(a.id, &ChannelSub{conn: a})
	shared := hub.getOrCreateChannel("realtime:shared")
	shared.addSubscriber(a.id, &ChannelSub{conn: a})
	shared.addSubscriber(b.id, &ChannelSub{conn: b})

	hub.unregisterConn(a)

	stats := hub.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Channels)
	assert.Nil(t, hub.getChannel("realtime:solo"))
	assert.Len(t, shared.getSubscribers(), 1)
}

func TestHubCloseAll(t *testing.T) {
	hub := newTestHub()
	a, b := testConn("a"), testConn("b")
	for _, c := range []*Conn{a, b} {
		c.hub = hub
		hub.registerConn(c)
	}
	hub.getOrCreateChannel("realtime:x").addSubscriber(a.id, &ChannelSub{conn: a})

	assert.Equal(t, 2, hub.CloseAll())
	assert.Equal(t, HubStats{ChannelDetails: []ChannelStats{}}, hub.Stats())
	<-a.done
	<-b.done
	assert.Equal(t, 0, hub.CloseAll())
}

func TestHubRemoveChannelIfEmpty(t *testing.T) {
	hub := newTestHub()
	hub.getOrCreateChannel("realtime:empty")
	active := hub.getOrCreateChannel("realtime:active")
	active.addSubscriber("c", &ChannelSub{conn: testConn("c")})

	hub.removeChannelIfEmpty("realtime:empty")
	hub.removeChannelIfEmpty("realtime:active")

	assert.Nil(t, hub.getChannel("realtime:empty"))
	assert.NotNil(t, hub.getChannel("realtime:active"))
}

func TestBroadcastChangeHonorsBindings(t *testing.T) {
	hub := newTestHub()
	agent, customer, other := testConn("agent"), testConn("customer"), testConn("other")

	hub.getOrCreateChannel("realtime:messages-all").addSubscriber(agent.id, &ChannelSub{
		conn: agent, joinRef: "1",
		pgChanges: []phoenix.PostgresChangeSub{
			{ID: 1, Event: "INSERT", Schema: "public", Table: "messages"},
			{ID: 2, Event: "*", Schema: "public", Table: "*"},
		},
	})
	hub.getOrCreateChannel("realtime:messages-s1").addSubscriber(customer.id, &ChannelSub{
		conn: customer, joinRef: "7",
		pgChanges: []phoenix.PostgresChangeSub{
			{ID: 1, Event: "INSERT", Schema: "public", Table: "messages", Filter: "session_id=eq.s-1"},
		},
	})
	hub.getOrCreateChannel("realtime:sessions").addSubscriber(other.id, &ChannelSub{
		conn: other, joinRef: "3",
		pgChanges: []phoenix.PostgresChangeSub{{ID: 1, Event: "UPDATE", Schema: "public", Table: "chat_sessions"}},
	})

	n := hub.broadcastChange(phoenix.ChangeEvent{
		Schema: "public", Table: "messages", EventType: "INSERT",
		New: map[string]any{"id": "m-1", "session_id": "s-1"},
	})
	assert.Equal(t, 2, n)

	msg := agent.nextFrame(t)
	assert.Equal(t, phoenix.EventPostgres, msg.Event)
	assert.Equal(t, "realtime:messages-all", msg.Topic)
	assert.Equal(t, "1", msg.JoinRef)
	assert.Equal(t, []any{float64(1), float64(2)}, msg.Payload["ids"])

	ev, err := phoenix.DecodeChange(customer.nextFrame(t))
	require.NoError(t, err)
	assert.Equal(t, "m-1", ev.New["id"])
	other.assertQuiet(t)

	// Filtered out for the scoped customer.
	n = hub.broadcastChange(phoenix.ChangeEvent{
		Schema: "public", Table: "messages", EventType: "INSERT",
		New: map[string]any{"id": "m-2", "session_id": "s-2"},
	})
	assert.Equal(t, 1, n)
	agent.nextFrame(t)
	customer.assertQuiet(t)
}

func TestBindingMatches(t *testing.T) {
	ev := phoenix.ChangeEvent{Schema: "public", Table: "chat_sessions", EventType: "DELETE",
		New: map[string]any{}, Old: map[string]any{"id": "s-1", "customer_id": "c-1"}}

	tests := []struct {
		name string
		b    phoenix.PostgresChangeSub
		want bool
	}{
		{"wildcards", phoenix.PostgresChangeSub{Event: "*", Schema: "*", Table: "*"}, true},
		{"empty fields", phoenix.PostgresChangeSub{}, true},
		{"event case", phoenix.PostgresChangeSub{Event: "delete", Table: "chat_sessions"}, true},
		{"other event", phoenix.PostgresChangeSub{Event: "INSERT"}, false},
		{"other schema", phoenix.PostgresChangeSub{Schema: "private"}, false},
		{"other table", phoenix.PostgresChangeSub{Table: "messages"}, false},
		{"filter on old row", phoenix.PostgresChangeSub{Filter: "customer_id=eq.c-1"}, true},
		{"filter mismatch", phoenix.PostgresChangeSub{Filter: "customer_id=eq.c-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bindingMatches(tt.b, ev))
		})
	}
}

func TestValidateToken(t *testing.T) {
	hub := newTestHub()

	key, err := GenerateKey(testSecret, RoleAnon)
	require.NoError(t, err)
	claims, err := hub.validateToken(key)
	require.NoError(t, err)
	assert.Equal(t, RoleAnon, claims["role"])

	forged, err := GenerateKey("other-secret", RoleService)
	require.NoError(t, err)
	_, err = hub.validateToken(forged)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"role": RoleService}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = hub.validateToken(none)
	assert.Error(t, err)
}
