package server_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"HedgeVault/internal/event"
	"HedgeVault/internal/ingestion"
	"HedgeVault/internal/server"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello server.StreamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "welcome", hello.Type)
	return conn
}

func waitClients(t *testing.T, hub *server.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastsWithFilter(t *testing.T) {
	hub := server.NewHub(nil, zerolog.Nop())
	ts := httptest.NewServer(hub)
	defer ts.Close()

	all := dialStream(t, ts, "")
	claims := dialStream(t, ts, "?types=claimed")
	waitClients(t, hub, 2)

	hub.Broadcast([]ingestion.OutboundEvent{
		{Sequence: 4, Index: 0, Notice: event.Notice{Type: event.NoticeTicketIssued}},
		{Sequence: 4, Index: 1, Notice: event.Notice{Type: event.NoticeClaimed}},
	})

	var msg server.StreamMessage
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, event.NoticeTicketIssued, msg.Event.Notice.Type)
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, event.NoticeClaimed, msg.Event.Notice.Type)

	require.NoError(t, claims.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, event.NoticeClaimed, msg.Event.Notice.Type)
	assert.Equal(t, 1, msg.Event.Index)
}

func TestHub_Resubscribe(t *testing.T) {
	hub := server.NewHub(nil, zerolog.Nop())
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn := dialStream(t, ts, "?types=claimed")
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "types": []string{"fees_accrued"}}))
	var msg server.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, []string{"fees_accrued"}, msg.Types)

	hub.Broadcast([]ingestion.OutboundEvent{
		{Sequence: 9, Index: 0, Notice: event.Notice{Type: event.NoticeClaimed}},
		{Sequence: 9, Index: 1, Notice: event.Notice{Type: event.NoticeFeesAccrued}},
	})
	msg = server.StreamMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, event.NoticeFeesAccrued, msg.Event.Notice.Type)
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := server.NewHub(nil, zerolog.Nop())
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn := dialStream(t, ts, "")
	waitClients(t, hub, 1)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
