package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the sync core. A nil *Metrics is
// valid and records nothing, so components can be built without metrics.
type Metrics struct {
	// Session metrics
	RefreshTotal *prometheus.CounterVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Realtime metrics
	RealtimeState      prometheus.Gauge
	RealtimeReconnects prometheus.Counter
	RealtimeEvents     *prometheus.CounterVec

	// Cache metrics
	Invalidations *prometheus.CounterVec

	// Transition metrics
	TransitionItems *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RefreshTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_token_refresh_total",
				Help: "Token refresh network calls by outcome",
			},
			[]string{"outcome"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_api_requests_total",
				Help: "API attempts by method and status class",
			},
			[]string{"method", "class"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dashsync_api_request_duration_seconds",
				Help:    "Duration of single API attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		RealtimeState: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dashsync_realtime_state",
				Help: "Realtime channel state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
			},
		),

		RealtimeReconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dashsync_realtime_reconnects_scheduled_total",
				Help: "Reconnect timers scheduled after a connection closed",
			},
		),

		RealtimeEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_realtime_events_total",
				Help: "Inbound realtime frames by result",
			},
			[]string{"result"},
		),

		Invalidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_cache_invalidations_total",
				Help: "Cache group invalidations",
			},
			[]string{"group"},
		),

		TransitionItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_transition_items_total",
				Help: "Status transition items by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
	}
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) SetRealtimeState(state int) {
	if m == nil {
		return
	}
	m.RealtimeState.Set(float64(state))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.RealtimeReconnects.Inc()
}

func (m *Metrics) ObserveEvent(result string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) IncInvalidation(group string) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(group).Inc()
}

func (m *Metrics) AddTransitionItems(mode, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransitionItems.WithLabelValues(mode, outcome).Add(float64(n))
}

// statusClass buckets a status code as "2xx", "4xx", ...; 0 means no response.
func statusClass(status int) string {
	if status <= 0 {
		return "network"
	}
	return strconv.Itoa(status/100) + "xx"
}
