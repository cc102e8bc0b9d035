package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/csrealtime/internal/phoenix"
)

func joinedConn(t *testing.T, hub *Hub, id string) *Conn {
	c := testConn(id)
	c.hub = hub
	c.auth = func(key string) bool { return key == "anon-key" }
	hub.registerConn(c)
	return c
}

func TestConnHeartbeat(t *testing.T) {
	c := joinedConn(t, newTestHub(), "c")
	c.handleMessage(phoenix.NewHeartbeat("9"))

	reply := c.nextFrame(t)
	assert.Equal(t, phoenix.EventReply, reply.Event)
	assert.Equal(t, phoenix.TopicPhoenix, reply.Topic)
	assert.Equal(t, "9", reply.Ref)
	status, _ := reply.ReplyStatus()
	assert.Equal(t, phoenix.StatusOK, status)
}

func TestConnJoinAssignsBindingIDs(t *testing.T) {
	hub := newTestHub()
	c := joinedConn(t, hub, "c")

	c.handleMessage(phoenix.NewJoin("realtime:messages-all", "3", "anon-key", []phoenix.PostgresChangeSub{
		{Event: "INSERT", Schema: "public", Table: "messages"},
		{Event: "UPDATE", Schema: "public", Table: "chat_sessions", Filter: "customer_id=eq.c-1"},
	}))

	reply := c.nextFrame(t)
	assert.Equal(t, "3", reply.Ref)
	assert.Equal(t, "3", reply.JoinRef)
	status, response := reply.ReplyStatus()
	require.Equal(t, phoenix.StatusOK, status)
	changes, _ := response["postgres_changes"].([]any)
	require.Len(t, changes, 2)
	assert.Equal(t, float64(2), changes[1].(map[string]any)["id"])
	assert.Equal(t, "customer_id=eq.c-1", changes[1].(map[string]any)["filter"])

	sys := c.nextFrame(t)
	assert.Equal(t, phoenix.EventSystem, sys.Event)
	assert.Equal(t, phoenix.StatusOK, sys.Payload["status"])

	ch := hub.getChannel("realtime:messages-all")
	require.NotNil(t, ch)
	sub := ch.getSubscriber("c")
	require.NotNil(t, sub)
	assert.Equal(t, 1, sub.pgChanges[0].ID)
	assert.Equal(t, 2, sub.pgChanges[1].ID)
}

func TestConnJoinRejectsBadToken(t *testing.T) {
	hub := newTestHub()
	c := joinedConn(t, hub, "c")

	c.handleMessage(phoenix.NewJoin("realtime:t", "1", "wrong", []phoenix.PostgresChangeSub{{Table: "messages"}}))

	reply := c.nextFrame(t)
	status, response := reply.ReplyStatus()
	assert.Equal(t, phoenix.StatusError, status)
	assert.Equal(t, "invalid_token", response["code"])
	assert.NotEmpty(t, response["reason"])
	assert.Nil(t, hub.getChannel("realtime:t"))
}

func TestConnJoinPrivateNeedsClaims(t *testing.T) {
	hub := newTestHub()
	c := joinedConn(t, hub, "c")

	join := phoenix.NewJoin("realtime:private", "1", "anon-key", nil)
	join.Payload["config"].(map[string]any)["private"] = true
	c.handleMessage(join)

	status, response := c.nextFrame(t).ReplyStatus()
	assert.Equal(t, phoenix.StatusError, status)
	assert.Equal(t, "unauthorized", response["code"])
}

func TestConnJoinPrivateWithJWT(t *testing.T) {
	hub := newTestHub()
	c := joinedConn(t, hub, "c")
	c.auth = func(string) bool { return true }

	token, err := GenerateKey(testSecret, RoleAnon)
	require.NoError(t, err)
	join := phoenix.NewJoin("realtime:private", "1", token, nil)
	join.Payload["config"].(map[string]any)["private"] = true
	c.handleMessage(join)

	status, _ := c.nextFrame(t).ReplyStatus()
	assert.Equal(t, phoenix.StatusOK, status)
	assert.Equal(t, RoleAnon, c.claims["role"])

	// A later join with a static key leaves the JWT claims in place.
	join = phoenix.NewJoin("realtime:private-2", "2", "anon-key", nil)
	join.Payload["config"].(map[string]any)["private"] = true
	c.handleMessage(join)
	status, _ = c.nextFrame(t).ReplyStatus()
	assert.Equal(t, phoenix.StatusOK, status)
	assert.Equal(t, RoleAnon, c.claims["role"])
}

func TestConnLeave(t *testing.T) {
	hub := newTestHub()
	c := joinedConn(t, hub, "c")

	c.handleMessage(phoenix.NewJoin("realtime:t", "1", "", []phoenix.PostgresChangeSub{{Table: "messages"}}))
	c.nextFrame(t)
	c.nextFrame(t)

	c.handleMessage(phoenix.NewLeave("realtime:t", "1", "2"))
	status, _ := c.nextFrame(t).ReplyStatus()
	assert.Equal(t, phoenix.StatusOK, status)
	assert.Equal(t, phoenix.EventClose, c.nextFrame(t).Event)
	assert.Nil(t, hub.getChannel("realtime:t"))

	c.handleMessage(phoenix.NewLeave("realtime:t", "1", "3"))
	status, response := c.nextFrame(t).ReplyStatus()
	assert.Equal(t, phoenix.StatusError, status)
	assert.Equal(t, "not_joined", response["code"])
}

func TestConnAccessTokenRefresh(t *testing.T) {
	c := joinedConn(t, newTestHub(), "c")

	key, err := GenerateKey(testSecret, RoleAnon)
	require.NoError(t, err)
	c.handleMessage(phoenix.NewAccessToken("realtime:t", "1", "2", key))
	assert.Equal(t, RoleAnon, c.claims["role"])

	c.handleMessage(phoenix.NewAccessToken("realtime:t", "1", "3", "garbage"))
	assert.Equal(t, RoleAnon, c.claims["role"], "invalid refresh keeps the old claims")
	c.assertQuiet(t)
}

func TestConnSendAfterCloseDoesNotBlock(t *testing.T) {
	c := testConn("c")
	c.Close()
	c.Close()

	assert.NoError(t, c.Send(phoenix.NewHeartbeat("1")))
}

func TestConnSendBufferFullDrops(t *testing.T) {
	c := testConn("c")
	c.send = make(chan []byte, 1)

	require.NoError(t, c.Send(phoenix.NewHeartbeat("1")))
	require.NoError(t, c.Send(phoenix.NewHeartbeat("2")))
	assert.Len(t, c.send, 1)
}
