// Package metrics exposes Prometheus collectors for backend calls, proxy
// traffic, HTTP requests and live sessions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnsearch"

// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	gatewayCalls    *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	proxyResponses  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionsEvicted prometheus.Counter
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Search backend calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Search backend call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		proxyResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_responses_total",
			Help:      "Proxied responses by route and status code.",
		}, []string{"route", "code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live page sessions.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Page sessions dropped by the idle eviction loop.",
		}),
	}
	r.registry.MustRegister(
		r.gatewayCalls,
		r.gatewayLatency,
		r.proxyResponses,
		r.httpRequests,
		r.activeSessions,
		r.sessionsEvicted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveGatewayCall implements gateway.Observer.
func (r *Recorder) ObserveGatewayCall(op string, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.gatewayCalls.WithLabelValues(op, outcome).Inc()
	r.gatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveProxy(route string, status int) {
	if r == nil {
		return
	}
	r.proxyResponses.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (r *Recorder) ObserveRequest(route string, status int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.activeSessions.Set(float64(n))
}

func (r *Recorder) AddEvicted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sessionsEvicted.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
