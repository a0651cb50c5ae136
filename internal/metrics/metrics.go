// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeUnavailable  = "unavailable"
	OutcomeTimeout      = "timeout"
	OutcomeSendError    = "send_error"
	OutcomeDisconnected = "disconnected"
	OutcomeBadResponse  = "bad_response"
)

// Metrics holds the relay server collectors.
type Metrics struct {
	registry *prometheus.Registry

	Requests    *prometheus.CounterVec
	Duration    prometheus.Histogram
	Pending     prometheus.Gauge
	Connected   prometheus.Gauge
	Connections *prometheus.CounterVec
	Dropped     prometheus.Counter
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webhookrelay",
			Name:      "proxy_requests_total",
			Help:      "Proxied webhook requests by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webhookrelay",
			Name:      "proxy_duration_seconds",
			Help:      "Time from sending a request into the tunnel to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webhookrelay",
			Name:      "pending_requests",
			Help:      "Requests waiting for a tunnel response.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webhookrelay",
			Name:      "tunnel_connected",
			Help:      "1 while a tunnel client is attached.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webhookrelay",
			Name:      "tunnel_connections_total",
			Help:      "Tunnel connection attempts by result.",
		}, []string{"result"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webhookrelay",
			Name:      "dropped_responses_total",
			Help:      "Responses that matched no pending request.",
		}),
	}
	m.registry.MustRegister(m.Requests, m.Duration, m.Pending, m.Connected, m.Connections, m.Dropped)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
