package pgnotify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/transport"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{DatabaseURL: "postgres://host:notaport/db"})
	assert.Error(t, err)

	tr, err := New(Config{DatabaseURL: "postgres://u:p@localhost:5432/app"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, tr.cfg.Prefix)
	assert.Equal(t, defaultConnectTimeout, tr.cfg.ConnectTimeout)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "realtime_messages", ChannelName(DefaultPrefix, "messages"))
	assert.Equal(t, "cs_chat_sessions", ChannelName("cs_", "chat_sessions"))
}

func TestDecodePayload(t *testing.T) {
	c, err := DecodePayload(`{
		"schema": "public",
		"table": "messages",
		"type": "insert",
		"commit_timestamp": "2026-03-01T12:00:00.000000Z",
		"record": {"id": "m-1", "session_id": "s-1", "sender_type": "customer"}
	}`)
	require.NoError(t, err)
	assert.Equal(t, "public", c.Schema)
	assert.Equal(t, "messages", c.Table)
	assert.Equal(t, transport.EventInsert, c.Type)
	assert.Equal(t, "2026-03-01T12:00:00.000000Z", c.CommitTimestamp)
	assert.Equal(t, "m-1", c.New["id"])
	assert.Nil(t, c.Old)

	c, err = DecodePayload(`{"table":"chat_sessions","type":"DELETE","record":null,"old_record":{"id":"s-1"}}`)
	require.NoError(t, err)
	assert.Equal(t, transport.DefaultSchema, c.Schema)
	assert.Equal(t, "s-1", c.Record()["id"])

	for _, raw := range []string{`not json`, `{"table":"messages"}`, `{"type":"INSERT"}`} {
		_, err := DecodePayload(raw)
		assert.Error(t, err, raw)
	}
}

func TestPublishedPayloadRoundTrips(t *testing.T) {
	raw, err := json.Marshal(Payload{
		Schema: "public",
		Table:  "messages",
		Type:   transport.EventInsert,
		Record: map[string]any{"id": "m-9", "content": "hi"},
	})
	require.NoError(t, err)

	c, err := DecodePayload(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "m-9", c.New["id"])
	assert.True(t, transport.Binding{Event: transport.EventInsert, Table: "messages"}.Matches(c))
	assert.False(t, transport.Binding{Event: transport.EventUpdate, Table: "messages"}.Matches(c))
}

func TestBindingFiltersNotifications(t *testing.T) {
	c, err := DecodePayload(`{"table":"chat_sessions","type":"UPDATE","record":{"id":"s-1","customer_id":"c-1"}}`)
	require.NoError(t, err)

	assert.True(t, transport.Binding{Table: "chat_sessions", Filter: "customer_id=eq.c-1"}.Matches(c))
	assert.False(t, transport.Binding{Table: "chat_sessions", Filter: "customer_id=eq.c-2"}.Matches(c))
}

func TestFunctionSQL(t *testing.T) {
	sql := FunctionSQL("it's_")
	assert.Contains(t, sql, "CREATE OR REPLACE FUNCTION csrealtime_notify()")
	assert.Contains(t, sql, "pg_notify('it''s_' || TG_TABLE_NAME, body::text)")
	assert.Contains(t, sql, "> 7900")
}

func TestTriggerSQL(t *testing.T) {
	stmts := TriggerSQL("", "chat_sessions")
	require.Len(t, stmts, 2)
	assert.Equal(t, `DROP TRIGGER IF EXISTS csrealtime_notify ON "public"."chat_sessions"`, stmts[0])
	assert.Contains(t, stmts[1], `AFTER INSERT OR UPDATE OR DELETE ON "public"."chat_sessions"`)
	assert.Contains(t, stmts[1], "EXECUTE FUNCTION csrealtime_notify()")
}

func TestOpenRejectsWildcardTable(t *testing.T) {
	tr, err := New(Config{DatabaseURL: "postgres://u:p@127.0.0.1:1/app", Logger: log.Discard()})
	require.NoError(t, err)

	_, err = tr.Open("t", transport.Binding{Table: "*"}, transport.Handler{})
	assert.Error(t, err)
}

func TestOpenFailsWhenDatabaseUnreachable(t *testing.T) {
	tr, err := New(Config{
		DatabaseURL:    "postgres://u:p@127.0.0.1:1/app?sslmode=disable",
		ConnectTimeout: time.Second,
		Logger:         log.Discard(),
	})
	require.NoError(t, err)

	_, err = tr.Open("t", transport.Binding{Table: "messages"}, transport.Handler{})
	assert.Error(t, err)

	tr.Shutdown()
	_, err = tr.Open("t", transport.Binding{Table: "messages"}, transport.Handler{})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, tr.Publish(context.Background(), "messages", map[string]any{}), transport.ErrClosed)
}

// TestListenAndPublish needs a live server: CSREALTIME_TEST_DATABASE_URL.
func TestListenAndPublish(t *testing.T) {
	url := os.Getenv("CSREALTIME_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CSREALTIME_TEST_DATABASE_URL not set")
	}

	tr, err := New(Config{DatabaseURL: url, Prefix: "csrt_test_", Logger: log.Discard()})
	require.NoError(t, err)
	defer tr.Shutdown()

	statuses := make(chan transport.Status, 4)
	changes := make(chan transport.Change, 4)
	h := transport.Handler{
		OnStatus: func(s transport.Status, _ error) { statuses <- s },
		OnChange: func(c transport.Change) { changes <- c },
	}

	ch, err := tr.Open("messages-all", transport.Binding{Event: transport.EventInsert, Table: "messages"}, h)
	require.NoError(t, err)

	select {
	case s := <-statuses:
		require.Equal(t, transport.StatusSubscribed, s)
	case <-time.After(5 * time.Second):
		t.Fatal("listen not confirmed")
	}

	ctx := context.Background()
	require.NoError(t, tr.Publish(ctx, "messages", map[string]any{"id": "m-1", "content": "hello"}))

	select {
	case c := <-changes:
		assert.Equal(t, "m-1", c.New["id"])
		assert.Equal(t, transport.EventInsert, c.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}

	require.NoError(t, tr.Close(ctx, ch))
	require.NoError(t, tr.Close(ctx, ch))
}
