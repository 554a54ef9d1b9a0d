package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, func()) {
	t.Helper()
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	return hub, srv, func() {
		cancel()
		<-stopped
		srv.Close()
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHubDeliversEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub, srv, stop := startHub(t)
	defer stop()

	conn := dial(t, srv)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ev, err := NewEvent(EventGameSettled, map[string]any{"game_id": 7, "winner": "A"}, time.Date(2026, 10, 14, 21, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	hub.Broadcast(ev)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, EventGameSettled, got.Type)
	assert.JSONEq(t, `{"game_id":7,"winner":"A"}`, string(got.Data))
}

func TestHubForgetsClosedClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub, srv, stop := startHub(t)
	defer stop()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubShutdownClosesClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub, srv, stop := startHub(t)
	conn := dial(t, srv)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	stop()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "hub shutdown should close the connection")
}

func TestRelayPublishesToRedis(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	at := time.Date(2026, 10, 15, 13, 30, 0, 0, time.UTC)
	relay := NewRelay(nil, rdb, nil)
	relay.now = func() time.Time { return at }

	ev, err := NewEvent(EventGameLocked, map[string]int64{"game_id": 4}, at)
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectPublish(Channel, raw).SetVal(1)
	require.NoError(t, relay.Publish(context.Background(), EventGameLocked, map[string]int64{"game_id": 4}))

	mock.ExpectPublish(Channel, raw).SetErr(errors.New("connection refused"))
	err = relay.Publish(context.Background(), EventGameLocked, map[string]int64{"game_id": 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish game_locked")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayWithoutRedisUsesLocalHub(t *testing.T) {
	hub := NewHub(nil, nil)
	relay := NewRelay(hub, nil, nil)
	require.NoError(t, relay.Publish(context.Background(), EventGamePublished, map[string]string{"ticker_a": "KO"}))

	select {
	case raw := <-hub.broadcast:
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, EventGamePublished, ev.Type)
	default:
		t.Fatal("expected event on hub queue")
	}

	assert.NoError(t, NewRelay(nil, nil, nil).Publish(context.Background(), EventGameLocked, nil))
}

func TestRelayForwardDropsMalformed(t *testing.T) {
	hub := NewHub(nil, nil)
	relay := NewRelay(hub, nil, nil)

	relay.forward("not json")
	relay.forward(`{"at":"2026-10-15T00:00:00Z"}`)
	assert.Len(t, hub.broadcast, 0)

	relay.forward(`{"type":"game_voided","at":"2026-10-15T00:00:00Z"}`)
	assert.Len(t, hub.broadcast, 1)
}
