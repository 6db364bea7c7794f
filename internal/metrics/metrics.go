// Package metrics holds the prometheus collectors of the host process.
//
// All methods are safe on a nil *Metrics, so components accept an optional
// collector set without guarding every call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dap_proxy"

// Request outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeTimeout    = "timeout"
	OutcomeProxyExit  = "proxy_exited"
	OutcomeSendFailed = "send_failed"
)

// Metrics holds every collector of the proxy host.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SessionsActive  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec
	SessionsFailed  *prometheus.CounterVec

	AdapterExits *prometheus.CounterVec
	WorkerExits  *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.RequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dap_requests_total",
		Help:      "DAP requests sent through a proxy manager, by command and outcome",
	}, []string{"command", "outcome"})

	m.RequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dap_request_duration_seconds",
		Help:      "Time from sending a DAP request to its settlement",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"command"})

	m.SessionsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Debug sessions currently registered",
	})

	m.SessionsStarted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Debug sessions started, by language",
	}, []string{"language"})

	m.SessionsFailed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_failed_total",
		Help:      "Debug sessions that failed to start, by language",
	}, []string{"language"})

	m.AdapterExits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_exits_total",
		Help:      "Adapter or connection endings reported by workers, by status",
	}, []string{"status"})

	m.WorkerExits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_exits_total",
		Help:      "Worker process exits, by exit code",
	}, []string{"code"})

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one settled DAP request.
func (m *Metrics) ObserveRequest(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(command, outcome).Inc()
	m.RequestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionStarted(language string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(language).Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionFailed(language string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(language).Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) AdapterExited(status string) {
	if m == nil {
		return
	}
	m.AdapterExits.WithLabelValues(status).Inc()
}

func (m *Metrics) WorkerExited(code string) {
	if m == nil {
		return
	}
	m.WorkerExits.WithLabelValues(code).Inc()
}
