package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
)

// Invalidator is the sink realtime events are routed into.
type Invalidator interface {
	Invalidate(group string)
}

type entry struct {
	value     any
	fetchedAt time.Time
	// epoch is the group's invalidation epoch when the fetch started.
	epoch uint64
}

// QueryCache keeps fetched query results grouped by cache-key group. An entry
// is served until it is older than the staleness window or its group was
// invalidated; after that the next Load refetches.
type QueryCache struct {
	mu         sync.Mutex
	entries    map[string]map[string]*entry
	epochs     map[string]uint64
	listeners  map[uint64]func(group string)
	nextID     uint64
	staleAfter time.Duration
	flight     singleflight.Group

	clock   clockwork.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

var _ Invalidator = (*QueryCache)(nil)

type Option func(*QueryCache)

func WithClock(c clockwork.Clock) Option { return func(q *QueryCache) { q.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(q *QueryCache) { q.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(q *QueryCache) { q.metrics = m } }

// New returns an empty cache. staleAfter <= 0 means entries only go stale
// through invalidation.
func New(staleAfter time.Duration, opts ...Option) *QueryCache {
	q := &QueryCache{
		entries:    make(map[string]map[string]*entry),
		epochs:     make(map[string]uint64),
		listeners:  make(map[uint64]func(string)),
		staleAfter: staleAfter,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Load returns the cached value for (group, key) when fresh, otherwise calls
// fetch once for all concurrent callers and caches its result. Fetch errors
// are not cached. A result whose fetch overlapped an invalidation of its
// group is kept for Peek but is not served as fresh.
func Load[T any](ctx context.Context, q *QueryCache, group, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := q.fresh(group, key); ok {
		if tv, ok := v.(T); ok {
			return tv, nil
		}
	}

	epoch := q.epoch(group)
	// callers arriving after an invalidation do not join an older fetch
	flightKey := fmt.Sprintf("%s\x00%s\x00%d", group, key, epoch)
	v, err, _ := q.flight.Do(flightKey, func() (any, error) {
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		q.put(group, key, val, epoch)
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	tv, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache %s/%s: unexpected type %T", group, key, v)
	}
	return tv, nil
}

// Peek returns whatever is cached for (group, key), fresh or not.
func (q *QueryCache) Peek(group, key string) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[group][key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Invalidate marks every entry in group stale, including results of fetches
// still in flight. Listeners only hear about groups that had fresh entries,
// so duplicate events are harmless.
func (q *QueryCache) Invalidate(group string) {
	q.mu.Lock()
	cur := q.epochs[group]
	changed := false
	for _, e := range q.entries[group] {
		if e.epoch == cur {
			changed = true
			break
		}
	}
	q.epochs[group] = cur + 1
	var ls []func(string)
	if changed {
		ls = make([]func(string), 0, len(q.listeners))
		for _, l := range q.listeners {
			ls = append(ls, l)
		}
	}
	q.mu.Unlock()

	q.metrics.IncInvalidation(group)
	if !changed {
		return
	}
	q.logger.Debugw("cache group invalidated", "group", group)
	for _, l := range ls {
		l(group)
	}
}

// OnInvalidate registers fn to be told when a group with fresh entries goes
// stale, so views can refetch. It returns a cancel func.
func (q *QueryCache) OnInvalidate(fn func(group string)) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *QueryCache) fresh(group, key string) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[group][key]
	if !ok || e.epoch != q.epochs[group] {
		return nil, false
	}
	if q.staleAfter > 0 && q.clock.Since(e.fetchedAt) >= q.staleAfter {
		return nil, false
	}
	return e.value, true
}

func (q *QueryCache) epoch(group string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epochs[group]
}

// put stores v fetched under epoch unless a fetch started later already
// stored its result.
func (q *QueryCache) put(group, key string, v any, epoch uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.entries[group]
	if !ok {
		g = make(map[string]*entry)
		q.entries[group] = g
	}
	if prev, ok := g[key]; ok && prev.epoch > epoch {
		return
	}
	g[key] = &entry{value: v, fetchedAt: q.clock.Now(), epoch: epoch}
}
