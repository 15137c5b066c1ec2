package tap

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rickgao/sitestream/internal/model"
)

func dialTap(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dialTap(t, srv, "")
	b := dialTap(t, srv, "")
	waitClients(t, hub, 2)

	msg := model.Message{
		ForUser:    "42",
		Kind:       model.KindStatus,
		StatusID:   7,
		Raw:        json.RawMessage(`{"id":7,"text":"hi"}`),
		ReceivedAt: 123,
	}
	require.NoError(t, hub.HandleMessage(context.Background(), msg))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "42", ev.ForUser)
		assert.Equal(t, model.KindStatus, ev.Kind)
		assert.Equal(t, int64(7), ev.StatusID)
		assert.Equal(t, int64(123), ev.ReceivedAt)
		assert.JSONEq(t, `{"id":7,"text":"hi"}`, string(ev.Message))
	}
	assert.Equal(t, int64(2), hub.Stats().Sent)
}

func TestHub_Filter(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dialTap(t, srv, "?kind=delete&for_user=1,2")
	waitClients(t, hub, 1)

	ctx := context.Background()
	require.NoError(t, hub.HandleMessage(ctx, model.Message{ForUser: "1", Kind: model.KindStatus}))
	require.NoError(t, hub.HandleMessage(ctx, model.Message{ForUser: "3", Kind: model.KindDelete}))
	require.NoError(t, hub.HandleMessage(ctx, model.Message{ForUser: "2", Kind: model.KindDelete, StatusID: 9}))

	ev := readEvent(t, conn)
	assert.Equal(t, "2", ev.ForUser)
	assert.Equal(t, int64(9), ev.StatusID)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dialTap(t, srv, "")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialTap(t, srv, "")
	waitClients(t, hub, 1)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	assert.ErrorIs(t, hub.HandleMessage(context.Background(), model.Message{}), ErrClosed)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.Error(t, err)
}

func TestClient_Offer(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		c := &client{
			send:    make(chan []byte, 10),
			limiter: rate.NewLimiter(rate.Every(time.Hour), 2),
		}
		assert.True(t, c.offer([]byte("1")))
		assert.True(t, c.offer([]byte("2")))
		assert.False(t, c.offer([]byte("3")))
		assert.Equal(t, int64(1), c.dropped.Load())
	})

	t.Run("queue full", func(t *testing.T) {
		c := &client{
			send:    make(chan []byte, 1),
			limiter: rate.NewLimiter(rate.Inf, 1),
		}
		assert.True(t, c.offer([]byte("1")))
		assert.False(t, c.offer([]byte("2")))
		assert.Equal(t, int64(1), c.dropped.Load())
	})
}

func TestParseFilter(t *testing.T) {
	assert.Nil(t, parseFilter(""))
	assert.Nil(t, parseFilter(" , "))
	assert.Equal(t, map[string]struct{}{"status": {}, "event": {}}, parseFilter("status, event"))
}
