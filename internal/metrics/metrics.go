// Package metrics exposes the gateway's Prometheus instrumentation:
// per-child status gauges, tool-call counters and latency histograms,
// and overall registry size.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway's collectors. Register them against a
// prometheus.Registerer (typically prometheus.DefaultRegisterer) once
// at startup.
type Metrics struct {
	SupervisorStatus   *prometheus.GaugeVec
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration     *prometheus.HistogramVec
	RegistryToolsTotal prometheus.Gauge
}

// New constructs an unregistered Metrics bundle.
func New() *Metrics {
	return &Metrics{
		SupervisorStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydra_gateway_supervisor_status",
			Help: "1 if the child supervisor is currently in the labeled status, else 0.",
		}, []string{"child_id", "status"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydra_gateway_tool_calls_total",
			Help: "Count of tools/call dispatches by child and outcome.",
		}, []string{"child_id", "outcome"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hydra_gateway_tool_call_duration_seconds",
			Help:    "Latency of tools/call round trips to a child.",
			Buckets: prometheus.DefBuckets,
		}, []string{"child_id"}),
		RegistryToolsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydra_gateway_registry_tools_total",
			Help: "Total number of namespaced tools currently registered.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration error (programmer error, not a runtime
// condition).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.SupervisorStatus, m.ToolCallsTotal, m.ToolCallDuration, m.RegistryToolsTotal)
}

// statuses enumerates every status a supervisor can report, so
// SetSupervisorStatus can zero out the ones that no longer apply.
var statuses = []string{"starting", "ready", "error", "stopped"}

// SetSupervisorStatus records childID's current status, zeroing the
// gauge for every other status value so only one is ever 1 at a time.
func (m *Metrics) SetSupervisorStatus(childID, status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.SupervisorStatus.WithLabelValues(childID, s).Set(v)
	}
}

// ObserveToolCall records the outcome and duration of a tools/call
// round trip.
func (m *Metrics) ObserveToolCall(childID, outcome string, d time.Duration) {
	m.ToolCallsTotal.WithLabelValues(childID, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(childID).Observe(d.Seconds())
}

// SetRegistryToolsTotal records the current registry size.
func (m *Metrics) SetRegistryToolsTotal(n int) {
	m.RegistryToolsTotal.Set(float64(n))
}
