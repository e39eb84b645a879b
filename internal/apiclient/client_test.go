package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
)

// fakeRefresher mimics the refresher contract against a store.
type fakeRefresher struct {
	store *session.Store
	token string
	err   error
	calls atomic.Int32
}

func (f *fakeRefresher) GetValidToken(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	if f.token == "" {
		f.store.ClearAuth()
		return "", nil
	}
	f.store.SetAuth(f.token, &session.User{ID: "u1"}, &session.Tenant{ID: "t1"}, time.Time{})
	return f.token, nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, ref *fakeRefresher) (*Client, *session.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	store := session.NewStore()
	store.SetAuth("t0", &session.User{ID: "u1"}, &session.Tenant{ID: "t1"}, time.Time{})
	ref.store = store
	c, err := New(srv.URL+"/api", srv.Client(), store, ref, WithMetrics(metrics.New(prometheus.NewRegistry())))
	require.NoError(t, err)
	return c, store
}

func TestDoAttachesHeadersAndDecodes(t *testing.T) {
	ref := &fakeRefresher{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "Bearer t0", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "abc", r.Header.Get("Idempotency-Key"))
		fmt.Fprint(w, `{"items":[{"id":"o1"}]}`)
	}, ref)

	var out struct {
		Items []struct{ ID string } `json:"items"`
	}
	err := c.Do(context.Background(), Request{
		Path:   "/orders",
		Query:  map[string][]string{"status": {"open"}},
		Header: http.Header{"Idempotency-Key": {"abc"}},
	}, &out)
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "o1", out.Items[0].ID)
	assert.Equal(t, int32(0), ref.calls.Load())
}

func TestDoNoContent(t *testing.T) {
	ref := &fakeRefresher{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, ref)

	out := map[string]any{"untouched": true}
	require.NoError(t, c.Delete(context.Background(), "/orders/1"))
	require.NoError(t, c.Get(context.Background(), "/orders/1", &out))
	assert.Equal(t, map[string]any{"untouched": true}, out)
}

func TestDoRetriesOnceAfterRefresh(t *testing.T) {
	var calls atomic.Int32
	ref := &fakeRefresher{token: "t1"}
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			assert.Equal(t, "Bearer t0", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer t1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ok":true}`)
	}, ref)

	var out struct{ OK bool }
	require.NoError(t, c.Post(context.Background(), "/orders", map[string]string{"a": "b"}, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), ref.calls.Load())
	assert.True(t, store.Get().IsAuthenticated)
	assert.Equal(t, "t1", store.Token())
}

func TestDoSecond401ClearsSession(t *testing.T) {
	var calls atomic.Int32
	ref := &fakeRefresher{token: "t1"}
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, ref)

	err := c.Get(context.Background(), "/orders", nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, store.Get().IsAuthenticated)
	assert.Equal(t, MsgSessionExpired, UserMessage(err))
}

func TestDoRefreshRejectedClearsSession(t *testing.T) {
	var calls atomic.Int32
	ref := &fakeRefresher{}
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, ref)

	err := c.Get(context.Background(), "/orders", nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, store.Get().IsAuthenticated)
}

func TestDoTransientRefreshKeepsSession(t *testing.T) {
	ref := &fakeRefresher{err: &APIError{Status: http.StatusTooManyRequests, Message: "slow"}}
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, ref)

	err := c.Get(context.Background(), "/orders", nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, store.Get().IsAuthenticated)
	assert.Equal(t, MsgRateLimited, UserMessage(err))
}

func TestDo401WithoutTokenDoesNotRefresh(t *testing.T) {
	ref := &fakeRefresher{token: "t1"}
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"login required"}`)
	}, ref)
	store.ClearAuth()

	err := c.Get(context.Background(), "/orders", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, int32(0), ref.calls.Load())
}

func TestDoErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		session bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"x"}`, MsgRateLimited, true},
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`, MsgServerError, true},
		{"validation verbatim", http.StatusUnprocessableEntity, `{"error":"quantity must be positive"}`, "quantity must be positive", true},
		{"not found verbatim", http.StatusNotFound, `{"error":"order not found"}`, "order not found", true},
		{"unparsable body", http.StatusBadRequest, `<html>oops</html>`, MsgRequestFailed, true},
		{"other envelope shape", http.StatusConflict, `{"message":"nope"}`, MsgRequestFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := &fakeRefresher{token: "t1"}
			c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, ref)

			err := c.Get(context.Background(), "/orders", nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantMsg, UserMessage(err))
			assert.Equal(t, tt.session, store.Get().IsAuthenticated)
			assert.Equal(t, int32(0), ref.calls.Load())
		})
	}
}

func TestDoNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	store := session.NewStore()
	store.SetAuth("t0", &session.User{ID: "u1"}, nil, time.Time{})
	ref := &fakeRefresher{store: store}
	c, err := New(u, &http.Client{Timeout: time.Second}, store, ref)
	require.NoError(t, err)

	err = c.Get(context.Background(), "/orders", nil)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, IsTransient(err))
	assert.Equal(t, MsgRequestFailed, UserMessage(err))
	assert.True(t, store.Get().IsAuthenticated)
}

func TestDoProactiveRefresh(t *testing.T) {
	ref := &fakeRefresher{token: "t1"}
	c, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}, ref)
	c.skew = time.Minute
	store.SetAuth("t0", &session.User{ID: "u1"}, nil, time.Now().Add(10*time.Second))

	require.NoError(t, c.Get(context.Background(), "/orders", nil))
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, MsgSessionExpired, UserMessage(fmt.Errorf("wrap: %w", ErrAuthExpired)))
	assert.Equal(t, MsgSessionExpired, UserMessage(&APIError{Status: 401, Message: "x"}))
	assert.Equal(t, MsgServerError, UserMessage(&APIError{Status: 503, Message: "x"}))
	assert.Equal(t, MsgRequestFailed, UserMessage(errors.New("boom")))
	assert.False(t, IsTransient(&APIError{Status: 404}))
	assert.True(t, IsTransient(&APIError{Status: 500}))
}

func TestRateLimiter(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 1))
	var nilRL *RateLimiter
	assert.NoError(t, nilRL.Wait(context.Background()))

	rl := NewRateLimiter(1000, 1)
	require.NoError(t, rl.Wait(context.Background()))
	rl.UpdateLimits(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestUpdateLimitsWhileCallersWait(t *testing.T) {
	rl := NewRateLimiter(0.01, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	waited := make(chan error, 1)
	go func() { waited <- rl.Wait(ctx) }()
	time.Sleep(20 * time.Millisecond)

	updated := make(chan struct{})
	go func() {
		rl.UpdateLimits(0.005, 1)
		close(updated)
	}()
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("UpdateLimits blocked behind a waiting caller")
	}

	cancel()
	assert.ErrorIs(t, <-waited, context.Canceled)
}
