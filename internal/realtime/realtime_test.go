package realtime

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/cache"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// dropFromServer simulates the server closing the stream.
func (c *fakeConn) dropFromServer() { close(c.frames) }

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, u string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type recordingSink struct {
	mu     sync.Mutex
	groups []string
}

func (s *recordingSink) Invalidate(g string) {
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
}

func (s *recordingSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups...)
}

func newTestChannel(t *testing.T, authed bool) (*Channel, *session.Store, *fakeDialer, *recordingSink, *clockwork.FakeClock) {
	t.Helper()
	store := session.NewStore()
	if authed {
		store.SetAuth("tok-1", &session.User{ID: "u1"}, &session.Tenant{ID: "t1"}, time.Time{})
	} else {
		store.ClearAuth()
	}
	d := &fakeDialer{}
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	ch := New("wss://api.example.test/events", store, sink, d, WithClock(clock))
	t.Cleanup(ch.Close)
	return ch, store, d, sink, clock
}

func TestMachineTransitions(t *testing.T) {
	m := Machine{}
	m, ok := m.Connect()
	require.True(t, ok)
	assert.Equal(t, Connecting, m.State)

	_, ok = m.Connect()
	assert.False(t, ok, "cannot dial while dialing")

	m, again := m.Closed(true)
	assert.True(t, again)
	assert.Equal(t, Machine{State: Reconnecting, Attempt: 1}, m)

	m, _ = m.Connect()
	m, _ = m.Closed(true)
	assert.Equal(t, 2, m.Attempt)

	m, _ = m.Connect()
	m = m.Opened()
	assert.Equal(t, Machine{State: Connected}, m)

	m, again = m.Closed(false)
	assert.False(t, again)
	assert.Equal(t, Machine{State: Disconnected}, m)

	assert.Equal(t, Machine{State: Disconnected}, Machine{State: Reconnecting, Attempt: 4}.Stopped())
	assert.Equal(t, "reconnecting", Reconnecting.String())
}

func TestReconnectBackOffSequence(t *testing.T) {
	b := NewReconnectBackOff(time.Second, 30*time.Second)
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.NextBackOff(), "attempt %d", i)
	}
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    string
		wantErr bool
		wantTS  bool
	}{
		{name: "ok with ms ts", frame: `{"type":"order.created","payload":{"id":"o1"},"ts":1700000000000}`, want: "order.created", wantTS: true},
		{name: "ok with rfc3339 ts", frame: `{"type":"order.updated","payload":{},"ts":"2026-10-19T10:00:00Z"}`, want: "order.updated", wantTS: true},
		{name: "odd ts ignored", frame: `{"type":"order.updated","ts":{"x":1}}`, want: "order.updated"},
		{name: "no type", frame: `{"payload":{}}`, wantErr: true},
		{name: "not json", frame: `hello`, wantErr: true},
		{name: "array", frame: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.frame))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, tt.wantTS, !ev.TS.IsZero())
		})
	}
}

func TestConnectsOnlyWhenAuthenticated(t *testing.T) {
	ch, store, d, _, _ := newTestChannel(t, false)
	ch.Start(context.Background())
	assert.Equal(t, Disconnected, ch.Status().State)
	assert.Equal(t, 0, d.dials())

	store.SetAuth("tok 2", &session.User{ID: "u1"}, nil, time.Time{})
	require.Eventually(t, func() bool { return ch.Status().State == Connected }, waitFor, tick)

	u, err := url.Parse(d.url(0))
	require.NoError(t, err)
	assert.Equal(t, "tok 2", u.Query().Get("token"))
	assert.NotEmpty(t, ch.Status().ConnectionID)

	// a refresh replaces the session but keeps the single live connection
	store.SetAuth("tok-3", &session.User{ID: "u1"}, nil, time.Time{})
	assert.Equal(t, 1, d.dials())
}

func TestRoutesEventsAndDropsMalformed(t *testing.T) {
	ch, _, d, sink, _ := newTestChannel(t, true)
	ch.Start(context.Background())
	require.Eventually(t, func() bool { return ch.Status().State == Connected }, waitFor, tick)

	c := d.conn(0)
	c.frames <- []byte(`garbage`)
	c.frames <- []byte(`{"type":"unknown.thing","payload":{}}`)
	c.frames <- []byte(`{"type":"order.status_changed","payload":{"id":"o1"}}`)
	c.frames <- []byte(`{"type":"settings.updated"}`)

	require.Eventually(t, func() bool { return len(sink.got()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{cache.GroupOrders, cache.GroupOrderDetail, cache.GroupDashboard, cache.GroupSettings}, sink.got())
	assert.Equal(t, Connected, ch.Status().State)
}

func TestReconnectDelaySequence(t *testing.T) {
	ch, _, d, _, clock := newTestChannel(t, true)
	d.setFail(true)
	ch.Start(context.Background())

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		attempt := i + 1
		require.Eventually(t, func() bool {
			st := ch.Status()
			return st.State == Reconnecting && st.Attempt == attempt
		}, waitFor, tick, "attempt %d", attempt)
		assert.Equal(t, w*time.Second, ch.Status().NextDelay, "attempt %d", attempt)
		clock.Advance(w * time.Second)
	}
	require.Eventually(t, func() bool { return ch.Status().Attempt == len(want)+1 }, waitFor, tick)

	// a successful connection resets the counter and the delay
	d.setFail(false)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return ch.Status().State == Connected }, waitFor, tick)
	assert.Equal(t, 0, ch.Status().Attempt)

	d.conn(0).dropFromServer()
	require.Eventually(t, func() bool { return ch.Status().State == Reconnecting }, waitFor, tick)
	assert.Equal(t, 1, ch.Status().Attempt)
	assert.Equal(t, time.Second, ch.Status().NextDelay)
}

func TestLogoutClosesAndCancelsTimer(t *testing.T) {
	ch, store, d, _, clock := newTestChannel(t, true)
	ch.Start(context.Background())
	require.Eventually(t, func() bool { return ch.Status().State == Connected }, waitFor, tick)

	// drop, then log out while the reconnect timer is pending
	d.conn(0).dropFromServer()
	require.Eventually(t, func() bool { return ch.Status().State == Reconnecting }, waitFor, tick)
	store.ClearAuth()
	assert.Equal(t, Disconnected, ch.Status().State)

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())

	// log back in, then log out while connected
	store.SetAuth("tok-2", &session.User{ID: "u1"}, nil, time.Time{})
	require.Eventually(t, func() bool { return ch.Status().State == Connected }, waitFor, tick)
	store.ClearAuth()
	assert.Equal(t, Disconnected, ch.Status().State)
	assert.True(t, d.conn(1).isClosed())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
}

func TestCloseIsDeterministic(t *testing.T) {
	ch, _, d, _, clock := newTestChannel(t, true)
	d.setFail(true)
	ch.Start(context.Background())
	require.Eventually(t, func() bool { return ch.Status().State == Reconnecting }, waitFor, tick)

	ch.Close()
	assert.Equal(t, Disconnected, ch.Status().State)
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())

	// Close is idempotent
	ch.Close()
}
