package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/cache"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
)

func TestWebsocketChannelEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.URL.Query().Get("token"))
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order.created","payload":{"id":"o9"}}`))
		// hold the stream open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := session.NewStore()
	store.SetAuth("ws-token", &session.User{ID: "u1"}, nil, time.Time{})
	q := cache.New(0)
	_, err := cache.Load(context.Background(), q, cache.GroupOrders, "list", func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	invalidated := make(chan string, 4)
	q.OnInvalidate(func(g string) { invalidated <- g })

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	ch := New(wsURL, store, q, WebsocketDialer{})
	ch.Start(context.Background())
	defer ch.Close()

	select {
	case g := <-invalidated:
		assert.Equal(t, cache.GroupOrders, g)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation received")
	}
	assert.Equal(t, Connected, ch.Status().State)

	mu.Lock()
	assert.Equal(t, []string{"ws-token"}, tokens)
	mu.Unlock()

	store.ClearAuth()
	assert.Equal(t, Disconnected, ch.Status().State)
}

func TestWebsocketDialerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WebsocketDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("wss://api.example.test/events?v=2", "a/b+c")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.test/events?token=a%2Fb%2Bc&v=2", u)
}
