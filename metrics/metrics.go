// Package metrics exposes relay activity as Prometheus collectors.
//
// All methods are safe on a nil *Metrics, so components can be built without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace prefixes every metric name (default: "codee").
	Namespace string

	// Subsystem is inserted between namespace and name (default: "relay").
	Subsystem string

	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

type Metrics struct {
	activeSessions   prometheus.Gauge
	activeRooms      prometheus.Gauge
	framesReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	deliveries       prometheus.Counter
	sendFailures     prometheus.Counter
	evictions        prometheus.Counter
}

func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "codee",
		Subsystem: "relay",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_sessions",
			Help:      "Number of connected sessions",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "frames_received_total",
			Help:      "Inbound frames decoded, by message kind",
		}, []string{"kind"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded, by reason",
		}, []string{"reason"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one inbound frame",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"kind"}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "broadcast_deliveries_total",
			Help:      "Frames queued to room members by broadcast",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "send_failures_total",
			Help:      "Frames skipped because the destination was full or closed",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "liveness_evictions_total",
			Help:      "Sessions closed for not answering liveness pings",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.activeRooms.Inc()
}

func (m *Metrics) RoomDeleted() {
	if m == nil {
		return
	}
	m.activeRooms.Dec()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDispatch(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
