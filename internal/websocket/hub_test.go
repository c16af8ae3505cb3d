package websocket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/policy"
)

func testConfig() config.WebSocketConfig {
	cfg := config.GetDefaults().WebSocket
	cfg.Username = "admin"
	cfg.Password = "s3cret"
	cfg.Events.BroadcastConnections = false
	return cfg
}

func startHub(t *testing.T, cfg config.WebSocketConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func basicAuth(user, pass string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	return h
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func connect(t *testing.T, hub *Hub, srv *httptest.Server, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, srv, basicAuth("admin", "s3cret"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == want }, time.Second, 5*time.Millisecond)
	return conn
}

type received struct {
	Type EventType              `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev received
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func violation(text string) ViolationEvent {
	result := policy.Scan(text, nil)
	return NewViolationEvent("http", "m-1", "c-1", result, true, "fp")
}

func TestHandleWebSocketAuth(t *testing.T) {
	_, srv := startHub(t, testConfig())

	t.Run("MissingCredentials", func(t *testing.T) {
		_, resp, err := dial(t, srv, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, resp, err := dial(t, srv, basicAuth("admin", "nope"))
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("AuthDisabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Username = ""
		_, open := startHub(t, cfg)

		conn, _, err := dial(t, open, nil)
		require.NoError(t, err)
		conn.Close()
	})
}

func TestHandleWebSocketMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	hub, srv := startHub(t, cfg)

	connect(t, hub, srv, 1)

	_, resp, err := dial(t, srv, basicAuth("admin", "s3cret"))
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBroadcastViolation(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	hub.BroadcastViolation("req-1", violation("write to jane@example.com"))

	ev := readEvent(t, conn)
	assert.Equal(t, EventTypeViolation, ev.Type)
	assert.Equal(t, "write to ***EMAIL REMOVED***", ev.Data["redacted_text"])
	assert.Equal(t, []interface{}{"email"}, ev.Data["categories"])
	assert.Eventually(t, func() bool { return hub.GetStats().TotalMessages == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastViolationSkipsClean(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	hub.BroadcastViolation("", violation("nothing to see"))
	hub.BroadcastViolation("", violation("dm me on telegram"))

	ev := readEvent(t, conn)
	assert.Equal(t, []interface{}{"keyword"}, ev.Data["categories"])
	_, hasText := ev.Data["redacted_text"]
	assert.False(t, hasText, "flag-only events carry no text")
}

func TestSubscription(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{"categories": []string{"phone"}},
	}))
	assert.Equal(t, EventTypeSubscribed, readEvent(t, conn).Type)

	hub.BroadcastViolation("", violation("mail a@b.co"))
	hub.BroadcastViolation("", violation("ring 555-123-4567"))

	ev := readEvent(t, conn)
	assert.Equal(t, []interface{}{"phone"}, ev.Data["categories"])
}

func TestPing(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	assert.Equal(t, EventTypePong, readEvent(t, conn).Type)
}

func TestConnectionEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Events.BroadcastConnections = true
	hub, srv := startHub(t, cfg)

	first := connect(t, hub, srv, 1)
	second := connect(t, hub, srv, 2)

	ev := readEvent(t, first)
	assert.Equal(t, EventTypeConnection, ev.Type)
	assert.Equal(t, "connected", ev.Data["action"])

	second.Close()
	ev = readEvent(t, first)
	assert.Equal(t, "disconnected", ev.Data["action"])
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisabledEventsAreDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Events.BroadcastViolations = false
	hub := NewHub(cfg, zap.NewNop())

	hub.BroadcastViolation("", violation("a@b.co"))
	assert.Len(t, hub.broadcast, 0)
}

func TestClientWants(t *testing.T) {
	v := Event{Type: EventTypeViolation, Data: violation("a@b.co and call me")}
	status := Event{Type: EventTypeSystemStatus, Data: SystemStatusEvent{}}

	tests := []struct {
		name  string
		sub   *SubscriptionRequest
		event Event
		want  bool
	}{
		{"NoSubscription", nil, v, true},
		{"EmptySubscription", &SubscriptionRequest{}, v, true},
		{"EventTypeMatch", &SubscriptionRequest{Events: []EventType{EventTypeViolation}}, v, true},
		{"EventTypeMismatch", &SubscriptionRequest{Events: []EventType{EventTypeViolation}}, status, false},
		{"CategoryMatch", &SubscriptionRequest{Categories: []policy.Category{policy.CategoryKeyword}}, v, true},
		{"CategoryMismatch", &SubscriptionRequest{Categories: []policy.Category{policy.CategoryURL}}, v, false},
		{"CategoryIgnoredForStatus", &SubscriptionRequest{Categories: []policy.Category{policy.CategoryURL}}, status, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{}
			c.setSubscription(tt.sub)
			assert.Equal(t, tt.want, c.wants(tt.event))
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://admin.donezo.com"}
	hub := NewHub(cfg, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://admin.donezo.com")
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1:5555", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
