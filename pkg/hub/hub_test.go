package hub

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
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_PublishReachesObserver(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv)

	require.Eventually(t, h.HasClients, 2*time.Second, 10*time.Millisecond)

	h.Publish(Event{Type: EventStreamStarted, StreamID: "abc", Client: "10.0.0.5"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, EventStreamStarted, got.Type)
	assert.Equal(t, "abc", got.StreamID)
	assert.NotZero(t, got.Timestamp)
}

func TestHub_PublishWithoutObserversIsDropped(t *testing.T) {
	h := New()
	h.Publish(Event{Type: EventStreamStopped})
	assert.Len(t, h.broadcast, 0)
}

func TestHub_ObserverDisconnect(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv)
	require.Eventually(t, h.HasClients, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !h.HasClients() }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StopClosesObservers(t *testing.T) {
	h, srv, cancel := startHub(t)
	conn := dial(t, srv)
	require.Eventually(t, h.HasClients, 2*time.Second, 10*time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.False(t, h.HasClients())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(Event{Type: EventStreamFailing})
}

func TestHub_CheckOrigin(t *testing.T) {
	dashboard := func(origin string) bool { return origin == "http://localhost:3000" }

	tests := []struct {
		name   string
		opts   []Option
		origin string
		want   bool
	}{
		{"non-browser", nil, "", true},
		{"same host", nil, "http://robot:5800", true},
		{"foreign without policy", nil, "http://localhost:3000", false},
		{"allowed dashboard", []Option{WithAllowedOrigin(dashboard)}, "http://localhost:3000", true},
		{"rejected by policy", []Option{WithAllowedOrigin(dashboard)}, "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(tt.opts...)
			r := httptest.NewRequest(http.MethodGet, "http://robot:5800/v1/grapher/events", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, h.checkOrigin(r))
		})
	}
}
