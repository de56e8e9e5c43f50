package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskscreen/registry"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	// the hub logs from connection goroutines that can outlive the test
	hub := NewHub(zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	hub.OnEvent(registry.Event{Type: registry.EventModelLoaded, Subject: "diabetes", Version: "1.2", Format: "json"})

	msg := readMessage(t, conn)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, registry.EventModelLoaded, msg.Event.Type)
	assert.Equal(t, "diabetes", msg.Event.Subject)
	assert.Equal(t, "1.2", msg.Event.Version)
}

func TestHubSubscriptionFilters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Subject: "heart_disease"}))
	ack := readMessage(t, conn)
	assert.Equal(t, TypeSubscribed, ack.Type)
	assert.Equal(t, "heart_disease", ack.Subject)

	hub.OnEvent(registry.Event{Type: registry.EventModelLoaded, Subject: "diabetes"})
	hub.OnEvent(registry.Event{Type: registry.EventCacheCleared})
	hub.OnEvent(registry.Event{Type: registry.EventModelLoaded, Subject: "heart_disease"})

	first := readMessage(t, conn)
	assert.Equal(t, registry.EventCacheCleared, first.Event.Type)
	second := readMessage(t, conn)
	assert.Equal(t, "heart_disease", second.Event.Subject)
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, originChecker([]string{"*"})(r))
	assert.True(t, originChecker(nil)(r))
}
