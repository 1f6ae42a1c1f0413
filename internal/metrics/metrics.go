// Package metrics keeps the Prometheus collectors of the proxy in a private registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cfdi_proxy"

type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	items           *prometheus.CounterVec
	jobs            *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Proxy operations by outcome kind",
	}, []string{"operation", "outcome"})

	operationTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of proxy operations including every upstream call",
		Buckets:   []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"operation"})

	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_items_total",
		Help:      "Downloaded resources and packages by kind and result",
	}, []string{"kind", "result"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Background jobs by type and final status",
	}, []string{"type", "status"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, operations, operationTime, items, jobs, goroutines)

	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		operations:      operations,
		operationTime:   operationTime,
		items:           items,
		jobs:            jobs,
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, s).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, s).Inc()
}

// ObserveOperation records one proxy operation; a nil err counts as "ok".
func (m *Metrics) ObserveOperation(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = sat.KindOf(err).String()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.operationTime.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) AddItems(kind string, ok, failed int) {
	if m == nil {
		return
	}
	if ok > 0 {
		m.items.WithLabelValues(kind, "ok").Add(float64(ok))
	}
	if failed > 0 {
		m.items.WithLabelValues(kind, "failed").Add(float64(failed))
	}
}

func (m *Metrics) JobFinished(taskType, status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(taskType, status).Inc()
}
