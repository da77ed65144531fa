package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes read-only gauges/counters describing registry state
// (SPEC_FULL §7's supplemented metrics surface — observability only, no
// control plane, so it does not reintroduce the rate-limiting spec.md's
// Non-goals exclude).
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	FramesRouted      *prometheus.CounterVec
}

// NewMetrics registers the registry's gauges/counters against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "active_sessions",
			Help:      "Number of NoteSessions currently active.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "active_connections",
			Help:      "Number of live client connections across all sessions.",
		}),
		FramesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "frames_routed_total",
			Help:      "Frames routed to a session, by message type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.ActiveSessions, m.ActiveConnections, m.FramesRouted)
	return m
}
