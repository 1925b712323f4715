// Package kmetrics exposes the kernel's operational counters through
// prometheus, the same way pkg/metrics and infrastructure/metrics
// build a private *prometheus.Registry and a set of typed
// CounterVec/GaugeVec/HistogramVec package-level handles in the
// teacher, instead of registering against the global default registry.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every kernel-level instrument behind one struct so
// callers wire exactly one value through the facade instead of a pile
// of package globals.
type Metrics struct {
	Registry *prometheus.Registry

	WorkerState        *prometheus.GaugeVec
	PermissionDecisions *prometheus.CounterVec
	RateLimitDenials    *prometheus.CounterVec
	LedgerBalance       *prometheus.GaugeVec
	PrimitiveLatency    *prometheus.HistogramVec
}

// New builds a Metrics bundle registered against a fresh, private
// registry (never the global default — matches infrastructure/metrics.go).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		WorkerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "substrate",
			Name:      "worker_state",
			Help:      "Current scheduler state per principal (1 = in that state).",
		}, []string{"principal", "state"}),
		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrate",
			Name:      "permission_decisions_total",
			Help:      "Permission engine decisions, partitioned by action and outcome.",
		}, []string{"action", "allowed"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrate",
			Name:      "rate_limit_denials_total",
			Help:      "Count of rate-limited rejections per resource.",
		}, []string{"resource"}),
		LedgerBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "substrate",
			Name:      "ledger_balance",
			Help:      "Last-observed ledger balance per principal/resource.",
		}, []string{"principal", "resource"}),
		PrimitiveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "substrate",
			Name:      "primitive_duration_seconds",
			Help:      "Latency of kernel primitive calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"primitive"}),
	}

	reg.MustRegister(m.WorkerState, m.PermissionDecisions, m.RateLimitDenials, m.LedgerBalance, m.PrimitiveLatency)
	return m
}

// RecordDecision updates the permission_decisions_total counter.
func (m *Metrics) RecordDecision(action string, allowed bool) {
	if m == nil {
		return
	}
	m.PermissionDecisions.WithLabelValues(action, boolLabel(allowed)).Inc()
}

// RecordRateLimitDenial increments the rate-limit denial counter.
func (m *Metrics) RecordRateLimitDenial(resource string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(resource).Inc()
}

// RecordBalance sets the last-observed balance gauge.
func (m *Metrics) RecordBalance(principal, resource string, amount float64) {
	if m == nil {
		return
	}
	m.LedgerBalance.WithLabelValues(principal, resource).Set(amount)
}

// RecordWorkerState flips the gauge for principal's new state on and
// every other known state off, so the vector always reflects exactly
// one active state per principal.
func (m *Metrics) RecordWorkerState(principal string, states []string, active string) {
	if m == nil {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == active {
			value = 1.0
		}
		m.WorkerState.WithLabelValues(principal, s).Set(value)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
