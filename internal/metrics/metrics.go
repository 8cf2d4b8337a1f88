// Package metrics exposes Prometheus instrumentation for scoring, the AI
// client, the circuit breaker and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QCS computation modes.
const (
	ModeLogicOnly = "logic_only"
	ModeBlended   = "blended"
	ModeFallback  = "fallback"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom buckets for duration histograms.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// WithRegistry registers metrics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Manager owns every collector. All Record methods are safe on a nil Manager.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	aiAttempts          *prometheus.CounterVec
	breakerSkips        prometheus.Counter
	breakerFailures     prometheus.Counter
	qcsComputations     *prometheus.CounterVec
	persistenceFallback *prometheus.CounterVec
	scoringDuration     prometheus.Histogram
	matchingDuration    prometheus.Histogram
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// NewManager creates a Manager with its own registry unless WithRegistry is
// given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "qcs",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	auto := promauto.With(m.registry)

	m.aiAttempts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "ai",
		Name:      "attempts_total",
		Help:      "AI completion attempts by model and outcome",
	}, []string{"model", "outcome"})

	m.breakerSkips = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "breaker",
		Name:      "skips_total",
		Help:      "Scoring requests that skipped the AI phase because the breaker was open",
	})

	m.breakerFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "AI failures recorded against users",
	})

	m.qcsComputations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "computations_total",
		Help:      "QCS computations by mode",
	}, []string{"mode"})

	m.persistenceFallback = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "store",
		Name:      "save_fallbacks_total",
		Help:      "QCS saves that left the atomic path, by result",
	}, []string{"result"})

	m.scoringDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "duration_seconds",
		Help:      "Time spent computing a QCS including the AI phase",
		Buckets:   m.buckets,
	})

	m.matchingDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "matching",
		Name:      "duration_seconds",
		Help:      "Time spent ranking candidates for one request",
		Buckets:   m.buckets,
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code",
	}, []string{"route", "method", "status_code"})

	m.httpDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by route and method",
		Buckets:   m.buckets,
	}, []string{"route", "method"})

	return m
}

// Registry returns the registry the collectors live in.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAIAttempt counts one AI attempt.
func (m *Manager) RecordAIAttempt(model, outcome string) {
	if m == nil {
		return
	}
	m.aiAttempts.WithLabelValues(model, outcome).Inc()
}

// RecordBreakerSkip counts a request whose AI phase was skipped.
func (m *Manager) RecordBreakerSkip() {
	if m == nil {
		return
	}
	m.breakerSkips.Inc()
}

// RecordBreakerFailure counts a failure recorded against a user.
func (m *Manager) RecordBreakerFailure() {
	if m == nil {
		return
	}
	m.breakerFailures.Inc()
}

// RecordQCS counts a computation in the given mode.
func (m *Manager) RecordQCS(mode string) {
	if m == nil {
		return
	}
	m.qcsComputations.WithLabelValues(mode).Inc()
}

// RecordSaveFallback counts a sequential save after the atomic path failed.
func (m *Manager) RecordSaveFallback(ok bool) {
	if m == nil {
		return
	}
	result := "saved"
	if !ok {
		result = "failed"
	}
	m.persistenceFallback.WithLabelValues(result).Inc()
}

// ObserveScoring records the duration of one scoring call.
func (m *Manager) ObserveScoring(d time.Duration) {
	if m == nil {
		return
	}
	m.scoringDuration.Observe(d.Seconds())
}

// ObserveMatching records the duration of one matching call.
func (m *Manager) ObserveMatching(d time.Duration) {
	if m == nil {
		return
	}
	m.matchingDuration.Observe(d.Seconds())
}

// RecordHTTPRequest counts and times one HTTP request.
func (m *Manager) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
