package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for warden.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Guarded-exec metrics.
	ExecTotal    *prometheus.CounterVec
	ExecDuration *prometheus.HistogramVec

	// Health probe metrics.
	ProbesTotal *prometheus.CounterVec

	// Recovery metrics.
	RecoveriesTotal *prometheus.CounterVec

	// Restriction metrics.
	RestrictionsTotal *prometheus.CounterVec

	// Allocator metrics.
	AllocationsTotal *prometheus.CounterVec
	LeasedPorts      prometheus.Gauge

	// Session metrics.
	ActiveSessions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Total guarded command executions.",
		}, []string{"status"}),

		ExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "exec",
			Name:      "command_duration_seconds",
			Help:      "Guarded command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),

		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total liveness probes by resulting state.",
		}, []string{"state"}),

		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "recoveries_total",
			Help:      "Total container recreations after dead verdicts.",
		}, []string{"result"}),

		RestrictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "firewall",
			Name:      "restrictions_total",
			Help:      "Total egress rule-set applications.",
		}, []string{"result"}),

		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Total topology allocations.",
		}, []string{"result"}),

		LeasedPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "allocator",
			Name:      "leased_ports",
			Help:      "Host ports currently leased from the pool.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_sessions",
			Help:      "Number of sessions currently serving commands.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecTotal,
		m.ExecDuration,
		m.ProbesTotal,
		m.RecoveriesTotal,
		m.RestrictionsTotal,
		m.AllocationsTotal,
		m.LeasedPorts,
		m.ActiveSessions,
	)

	return m
}
