package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/cache"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/pkg/utilities"
)

// Status is a snapshot of the channel for connectivity indicators.
type Status struct {
	State        State         `json:"-"`
	StateName    string        `json:"state"`
	Attempt      int           `json:"attempt"`
	NextDelay    time.Duration `json:"next_delay_ns,omitempty"`
	ConnectionID string        `json:"connection_id,omitempty"`
}

// Channel keeps one event stream open while the session is authenticated and
// routes inbound events to cache invalidations. Dropped connections are
// retried with capped exponential backoff for as long as the session lives;
// logout and Close stop the loop and cancel any pending timer.
type Channel struct {
	url    string
	store  *session.Store
	sink   cache.Invalidator
	routes InvalidationMap
	dialer Dialer

	backoff backoff.BackOff
	clock   clockwork.Clock
	ids     *utilities.IDGenerator
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu         sync.Mutex
	m          Machine
	conn       Conn
	connID     string
	nextDelay  time.Duration
	timer      clockwork.Timer
	dialCancel context.CancelFunc
	// gen invalidates callbacks from superseded dials, reads and timers.
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()
	started bool
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Channel)

func WithRoutes(m InvalidationMap) Option { return func(c *Channel) { c.routes = m } }

func WithBackOff(b backoff.BackOff) Option { return func(c *Channel) { c.backoff = b } }

func WithClock(cl clockwork.Clock) Option { return func(c *Channel) { c.clock = cl } }

func WithIDGenerator(g *utilities.IDGenerator) Option { return func(c *Channel) { c.ids = g } }

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Channel) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Channel) { c.metrics = m } }

// New builds a channel for the stream at url. Nothing is dialed until Start.
func New(url string, store *session.Store, sink cache.Invalidator, dialer Dialer, opts ...Option) *Channel {
	c := &Channel{
		url:     url,
		store:   store,
		sink:    sink,
		routes:  DefaultInvalidationMap(),
		dialer:  dialer,
		backoff: NewReconnectBackOff(time.Second, 30*time.Second),
		clock:   clockwork.NewRealClock(),
		ids:     utilities.NewIDGenerator(1),
		logger:  zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start follows the session: it connects now if authenticated and whenever a
// later snapshot is authenticated, and disconnects on logout.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	unsub := c.store.Subscribe(c.onSession)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	c.onSession(c.store.Get())
}

// Close tears the channel down: the socket is closed, a pending reconnect is
// cancelled, and Close returns once no goroutine of the channel is running.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked("teardown")
	unsub, cancel := c.unsub, c.cancel
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Status returns the current connectivity snapshot.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:        c.m.State,
		StateName:    c.m.State.String(),
		Attempt:      c.m.Attempt,
		NextDelay:    c.nextDelay,
		ConnectionID: c.connID,
	}
}

func (c *Channel) onSession(st session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.started {
		return
	}
	if !st.IsAuthenticated {
		if c.m.State != Disconnected {
			c.stopLocked("logged out")
		}
		return
	}
	// a pending reconnect timer or a live/dialing connection is left alone
	if c.m.State == Disconnected {
		c.dialLocked()
	}
}

// dialLocked closes any previous connection and starts a new dial.
func (c *Channel) dialLocked() {
	next, ok := c.m.Connect()
	if !ok {
		return
	}
	c.setMachineLocked(next)
	c.closeConnLocked()

	c.gen++
	gen := c.gen
	token := c.store.Token()
	connID := c.ids.Next()
	dctx, cancel := context.WithCancel(c.ctx)
	c.dialCancel = cancel

	c.wg.Add(1)
	go c.dial(dctx, gen, token, connID)
}

func (c *Channel) dial(ctx context.Context, gen uint64, token, connID string) {
	defer c.wg.Done()

	u, err := streamURL(c.url, token)
	var conn Conn
	if err == nil {
		conn, err = c.dialer.Dial(ctx, u)
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.dialCancel = nil
	if err != nil {
		c.logger.Debugw("realtime dial failed", "connection_id", connID, "attempt", c.m.Attempt, "error", err)
		c.handleCloseLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.connID = connID
	c.nextDelay = 0
	c.setMachineLocked(c.m.Opened())
	c.backoff.Reset()
	c.logger.Infow("realtime connected", "connection_id", connID)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.read(gen, conn)
}

func (c *Channel) read(gen uint64, conn Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen == c.gen && !c.closed {
				c.logger.Debugw("realtime connection closed", "connection_id", c.connID, "error", err)
				c.conn = nil
				c.handleCloseLocked()
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(data)
	}
}

// dispatch never fails: malformed frames and unknown types are dropped.
func (c *Channel) dispatch(data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		c.metrics.ObserveEvent("dropped")
		c.logger.Debugw("dropping malformed realtime frame", "size", len(data))
		return
	}
	groups := c.routes.Groups(ev.Type)
	if len(groups) == 0 {
		c.metrics.ObserveEvent("unrouted")
		return
	}
	c.metrics.ObserveEvent("routed")
	for _, g := range groups {
		c.sink.Invalidate(g)
	}
}

// handleCloseLocked moves to Reconnecting and arms the backoff timer, or to
// Disconnected when the session ended meanwhile.
func (c *Channel) handleCloseLocked() {
	authed := c.store.Get().IsAuthenticated
	next, reconnect := c.m.Closed(authed)
	if !reconnect {
		c.setMachineLocked(next)
		c.nextDelay = 0
		return
	}
	delay := c.backoff.NextBackOff()
	c.setMachineLocked(next)
	c.nextDelay = delay
	c.metrics.IncReconnects()
	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.logger.Infow("realtime reconnect scheduled", "attempt", next.Attempt, "delay", delay)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.m.State != Reconnecting {
		return
	}
	c.timer = nil
	if !c.store.Get().IsAuthenticated {
		c.setMachineLocked(c.m.Stopped())
		return
	}
	c.dialLocked()
}

// stopLocked closes the socket, cancels dials and timers, and resets the
// attempt counter.
func (c *Channel) stopLocked(reason string) {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.closeConnLocked()
	c.nextDelay = 0
	c.backoff.Reset()
	if c.m.State != Disconnected {
		c.logger.Infow("realtime stopped", "reason", reason)
	}
	c.setMachineLocked(c.m.Stopped())
}

func (c *Channel) closeConnLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debugw("closing realtime connection", "error", err)
	}
	c.conn = nil
	c.connID = ""
}

func (c *Channel) setMachineLocked(m Machine) {
	c.m = m
	c.metrics.SetRealtimeState(int(m.State))
}
