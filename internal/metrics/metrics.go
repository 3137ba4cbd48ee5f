package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Holder is the single source of truth for gateway counters. One instance is
// created by the supervisor and injected into every component that mutates
// it. Plain counters live in atomics so /health never touches Prometheus.
type Holder struct {
	activeConnections int64
	eventsOut         int64
	authFailures      int64
	brokerConnected   int32

	startTime time.Time
	registry  *prometheus.Registry

	// Connection metrics
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionDuration prometheus.Histogram
	handshakeLatency   prometheus.Histogram

	// Auth metrics
	authFailuresByReason *prometheus.CounterVec

	// Delivery metrics
	eventsOutTotal    prometheus.Counter
	brokerMessages    prometheus.Counter
	channelsActive    prometheus.Gauge
	subscribeDenied   prometheus.Counter
	subscribeRejected prometheus.Counter

	// Error metrics
	errorsByType *prometheus.CounterVec

	// Broker metrics
	brokerConnectionStatus prometheus.Gauge
	brokerReconnects       prometheus.Counter

	// Admission metrics
	connectionRateLimited *prometheus.CounterVec
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ActiveConnections int64
	EventsOut         int64
	AuthFailures      int64
	BrokerConnected   bool
	Uptime            time.Duration
	Timestamp         time.Time
}

// New creates a Holder backed by its own Prometheus registry, so several
// holders can coexist in tests.
func New() *Holder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Holder{
		startTime: time.Now(),
		registry:  reg,

		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of currently authenticated WebSocket connections",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of sessions that completed the handshake",
		}),
		connectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_connection_duration_seconds",
			Help:    "Lifetime of authenticated WebSocket connections",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
		handshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_handshake_latency_seconds",
			Help:    "Time from upgrade to hello frame",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		authFailuresByReason: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Handshake failures by reason",
		}, []string{"reason"}),
		eventsOutTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_out_total",
			Help: "Frames dispatched to sockets from the broker",
		}),
		brokerMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broker_messages_total",
			Help: "Messages received from the broker",
		}),
		channelsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_channels_active",
			Help: "Channels with at least one subscribed socket",
		}),
		subscribeDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_subscribe_denied_total",
			Help: "Channel names dropped by the authorization filter",
		}),
		subscribeRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_subscribe_rejected_total",
			Help: "Subscribe batches rejected for exceeding the channel cap",
		}),
		errorsByType: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Errors by type",
		}, []string{"type"}),
		brokerConnectionStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_broker_connected",
			Help: "Broker connection status (1 = connected)",
		}),
		brokerReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broker_reconnects_total",
			Help: "Broker reconnections",
		}),
		connectionRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connection_rate_limited_total",
			Help: "Upgrade attempts rejected by the admission rate limiter",
		}, []string{"scope"}),
	}
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (h *Holder) Registry() *prometheus.Registry {
	return h.registry
}

// Connection tracking
func (h *Holder) ConnectionOpened(handshake time.Duration) {
	atomic.AddInt64(&h.activeConnections, 1)
	h.connectionsActive.Inc()
	h.connectionsTotal.Inc()
	h.handshakeLatency.Observe(handshake.Seconds())
}

func (h *Holder) ConnectionClosed(lifetime time.Duration) {
	atomic.AddInt64(&h.activeConnections, -1)
	h.connectionsActive.Dec()
	h.connectionDuration.Observe(lifetime.Seconds())
}

// AuthFailure counts a failed handshake. reason is a short label such as
// "missing_token".
func (h *Holder) AuthFailure(reason string) {
	atomic.AddInt64(&h.authFailures, 1)
	h.authFailuresByReason.WithLabelValues(reason).Inc()
}

// Delivery tracking
func (h *Holder) EventsDispatched(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&h.eventsOut, int64(n))
	h.eventsOutTotal.Add(float64(n))
}

func (h *Holder) BrokerMessage() {
	h.brokerMessages.Inc()
}

func (h *Holder) SetChannels(n int) {
	h.channelsActive.Set(float64(n))
}

func (h *Holder) SubscribeDenied() {
	h.subscribeDenied.Inc()
}

func (h *Holder) SubscribeRejected() {
	h.subscribeRejected.Inc()
}

// Error tracking
func (h *Holder) RecordError(errorType string) {
	h.errorsByType.WithLabelValues(errorType).Inc()
}

// Broker metrics
func (h *Holder) SetBrokerConnected(connected bool) {
	if connected {
		atomic.StoreInt32(&h.brokerConnected, 1)
		h.brokerConnectionStatus.Set(1)
	} else {
		atomic.StoreInt32(&h.brokerConnected, 0)
		h.brokerConnectionStatus.Set(0)
	}
}

func (h *Holder) BrokerReconnected() {
	h.brokerReconnects.Inc()
}

// ConnectionRateLimited counts an upgrade rejected with 429.
func (h *Holder) ConnectionRateLimited(scope string) {
	h.connectionRateLimited.WithLabelValues(scope).Inc()
}

// Getters for current values
func (h *Holder) ActiveConnections() int64 {
	return atomic.LoadInt64(&h.activeConnections)
}

func (h *Holder) EventsOut() int64 {
	return atomic.LoadInt64(&h.eventsOut)
}

func (h *Holder) AuthFailures() int64 {
	return atomic.LoadInt64(&h.authFailures)
}

func (h *Holder) BrokerConnected() bool {
	return atomic.LoadInt32(&h.brokerConnected) == 1
}

func (h *Holder) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Snapshot reads all counters. It has no side effects.
func (h *Holder) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: h.ActiveConnections(),
		EventsOut:         h.EventsOut(),
		AuthFailures:      h.AuthFailures(),
		BrokerConnected:   h.BrokerConnected(),
		Uptime:            h.Uptime(),
		Timestamp:         time.Now(),
	}
}
