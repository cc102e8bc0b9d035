package relay

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/csrealtime/internal/phoenix"
)

func dial(t *testing.T, serverURL, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/realtime/v1/websocket?vsn=1.0.0&apikey=" + key
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func readFrame(t *testing.T, ws *websocket.Conn) *phoenix.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := phoenix.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func writeFrame(t *testing.T, ws *websocket.Conn, msg *phoenix.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocketRejectsBadKey(t *testing.T) {
	_, srv := newTestService(t)

	_, resp, err := dial(t, srv.URL, "nope")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketJoinAndReceiveChange(t *testing.T) {
	svc, srv := newTestService(t)

	ws, _, err := dial(t, srv.URL, "anon-key")
	require.NoError(t, err)

	writeFrame(t, ws, phoenix.NewJoin("realtime:messages-s-1", "1", "anon-key", []phoenix.PostgresChangeSub{
		{Event: "INSERT", Schema: "public", Table: "messages", Filter: "session_id=eq.s-1"},
	}))
	status, _ := readFrame(t, ws).ReplyStatus()
	require.Equal(t, phoenix.StatusOK, status)
	assert.Equal(t, phoenix.EventSystem, readFrame(t, ws).Event)

	writeFrame(t, ws, phoenix.NewHeartbeat("2"))
	hb := readFrame(t, ws)
	assert.Equal(t, phoenix.TopicPhoenix, hb.Topic)
	assert.Equal(t, "2", hb.Ref)

	require.Eventually(t, func() bool { return svc.Stats().Channels == 1 }, time.Second, 10*time.Millisecond)

	doJSON(t, http.MethodPost, srv.URL+"/rest/v1/messages", "anon-key", map[string]any{"id": "m-other", "session_id": "s-2"})
	doJSON(t, http.MethodPost, srv.URL+"/rest/v1/messages", "anon-key", map[string]any{"id": "m-1", "session_id": "s-1"})

	msg := readFrame(t, ws)
	require.Equal(t, phoenix.EventPostgres, msg.Event)
	ev, err := phoenix.DecodeChange(msg)
	require.NoError(t, err)
	assert.Equal(t, "m-1", ev.New["id"], "the filtered-out row is never sent")
	assert.Equal(t, "INSERT", ev.EventType)

	ws.Close()
	require.Eventually(t, func() bool {
		st := svc.Stats()
		return st.Connections == 0 && st.Channels == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsEndpoint(t *testing.T) {
	_, srv := newTestService(t)

	ws, _, err := dial(t, srv.URL, "anon-key")
	require.NoError(t, err)
	writeFrame(t, ws, phoenix.NewJoin("realtime:a", "1", "", nil))
	readFrame(t, ws)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/realtime/v1/stats", "anon-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connections":1`)
	assert.Contains(t, string(body), `"topic":"realtime:a"`)
}
