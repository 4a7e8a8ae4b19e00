// Package metrics exposes Prometheus collectors for the scheduler. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slotwatch"

type Metrics struct {
	reg *prometheus.Registry

	Ticks            *prometheus.CounterVec
	Reservations     *prometheus.CounterVec
	Advances         *prometheus.CounterVec
	UpstreamCalls    *prometheus.CounterVec
	UpstreamRetries  *prometheus.CounterVec
	SessionRefreshes *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	QueueDrops       *prometheus.CounterVec
	InFlight         prometheus.Gauge
	TickDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Engine ticks by kind and result.",
		}, []string{"kind", "result"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_total", Help: "Confirmed reservations.",
		}, []string{"channel", "service", "source"}),
		Advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cursor_advances_total", Help: "Dates closed out by the forward cursor.",
		}, []string{"channel", "service", "reason"}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_calls_total", Help: "Booking client calls by final result.",
		}, []string{"op", "result"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_retries_total", Help: "Retried upstream attempts.",
		}, []string{"op"}),
		SessionRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_refreshes_total", Help: "Session acquisitions and refreshes.",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by destination and result.",
		}, []string{"destination", "result"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notification_drops_total", Help: "Events dropped because a destination queue was full.",
		}, []string{"destination"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ticks_in_flight", Help: "Ticks currently holding a concurrency slot.",
		}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds", Help: "Engine tick duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ticks, m.Reservations, m.Advances, m.UpstreamCalls, m.UpstreamRetries,
		m.SessionRefreshes, m.Deliveries, m.QueueDrops, m.InFlight, m.TickDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Tick(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(kind, result).Inc()
	m.TickDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) Reserved(channel, service, source string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(channel, service, source).Inc()
}

func (m *Metrics) Advanced(channel, service, reason string) {
	if m == nil {
		return
	}
	m.Advances.WithLabelValues(channel, service, reason).Inc()
}

func (m *Metrics) UpstreamCall(op, result string) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) UpstreamRetry(op string) {
	if m == nil {
		return
	}
	m.UpstreamRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionRefreshed(result string) {
	if m == nil {
		return
	}
	m.SessionRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Delivered(destination, result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(destination, result).Inc()
}

func (m *Metrics) Dropped(destination string) {
	if m == nil {
		return
	}
	m.QueueDrops.WithLabelValues(destination).Inc()
}

func (m *Metrics) TickStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) TickFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}
