// Package metrics exposes daemon counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal     *prometheus.CounterVec // outcome: completed, denied, failed, budget_exceeded
	ApprovalsTotal *prometheus.CounterVec // decision: approved, denied, timed_out
	DecodeErrors   prometheus.Counter
	SpendUSD       prometheus.Counter
	ActiveTurns    prometheus.Gauge
	QueueDepth     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridged_turns_total",
			Help: "Turns finished, by outcome.",
		}, []string{"outcome"}),
		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridged_approvals_total",
			Help: "Approval requests resolved, by decision.",
		}, []string{"decision"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridged_stream_decode_errors_total",
			Help: "Malformed records seen on agent output streams.",
		}),
		SpendUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridged_spend_usd_total",
			Help: "Cumulative reported agent spend in USD.",
		}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridged_active_turns",
			Help: "Turns currently executing or awaiting approval.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridged_outbound_queue_depth",
			Help: "Unacknowledged events in the outbound queue.",
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve blocks serving /metrics on addr.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
