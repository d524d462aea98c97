package middleware

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zocket-go/zocket/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "zocket").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "zocket",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus metrics for Zocket.
type metrics struct {
	framesTotal       *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	dispatchErrors    *prometheus.CounterVec
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	sendErrors        prometheus.Counter
}

// globalMetrics is the singleton metrics instance, created on the first
// call to Prometheus().
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of dispatched frames by route and status",
			ConstLabels: config.ConstLabels,
		}, []string{"route", "status"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "dispatch_duration_seconds",
			Help:        "Frame dispatch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"route"}),

		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "dispatch_errors_total",
			Help:        "Total number of aborted requests by route",
			ConstLabels: config.ConstLabels,
		}, []string{"route"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of live connections",
			ConstLabels: config.ConstLabels,
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_total",
			Help:        "Total number of accepted connections",
			ConstLabels: config.ConstLabels,
		}),

		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "send_errors_total",
			Help:        "Total number of failed transport sends",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Prometheus creates middleware that collects metrics for every
// dispatched frame.
//
// Metrics collected:
//   - zocket_frames_total: counter of frames by route and status
//   - zocket_dispatch_duration_seconds: histogram of dispatch duration
//   - zocket_dispatch_errors_total: counter of aborted requests
//   - zocket_active_connections / zocket_connections_total /
//     zocket_send_errors_total: recorded via the Record* hooks below
//
// The route label is the dotted wire path, which is bounded by the
// dispatch table, so cardinality stays fixed.
func Prometheus(opts ...MetricsOption) server.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return server.MiddlewareFunc(func(c *server.Ctx, payload any, next func() error) error {
		route := c.Route()
		start := time.Now()

		err := next()

		m.dispatchDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
			m.dispatchErrors.WithLabelValues(route).Inc()
		}
		m.framesTotal.WithLabelValues(route, status).Inc()

		return err
	})
}

// RecordConnectionOpen records an accepted connection. Wire it into
// server.Config.OnConnect.
func RecordConnectionOpen() {
	if globalMetrics != nil {
		globalMetrics.activeConnections.Inc()
		globalMetrics.connectionsTotal.Inc()
	}
}

// RecordConnectionClose records a closed connection. Wire it into
// server.Config.OnDisconnect.
func RecordConnectionClose() {
	if globalMetrics != nil {
		globalMetrics.activeConnections.Dec()
	}
}

// RecordSendError records a failed transport send. Wire it into
// server.Config.OnSendError.
func RecordSendError() {
	if globalMetrics != nil {
		globalMetrics.sendErrors.Inc()
	}
}
