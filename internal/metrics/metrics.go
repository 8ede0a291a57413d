// Package metrics holds the Prometheus instruments of one bridge server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strudel"

// Metrics is registered on its own registry so several servers (and tests)
// can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	FramesSent      *prometheus.CounterVec
	FrameErrors     *prometheus.CounterVec
	LagNotices      prometheus.Counter
	DroppedEvents   prometheus.Counter
	ControlRequests *prometheus.CounterVec
	Published       *prometheus.CounterVec
}

// New creates the instruments on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected browser sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of browser sessions accepted",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to browser sessions by kind",
		}, []string{"kind"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames that failed to encode or write",
		}, []string{"reason"}),
		LagNotices: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lag_notices_total",
			Help:      "Lag notices sent to sessions that fell behind",
		}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Broadcast events skipped by lagging sessions",
		}),
		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control requests served by the dispatch loop",
		}, []string{"request"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_events_total",
			Help:      "Events published to the broadcast channel by kind and result",
		}, []string{"kind", "result"}),
	}
}

// Registry returns the registry the instruments live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
