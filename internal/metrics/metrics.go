// Package metrics exposes control-plane and trace-channel counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "execfence"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Verdicts         *prometheus.CounterVec
	StoreEntries     prometheus.Gauge
	StoreCapacity    prometheus.Gauge
	Unresolved       prometheus.Counter
	CapacityRejected prometheus.Counter
	Reloads          *prometheus.CounterVec
	DigestMismatches prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Execution decisions observed on the trace channel.",
		}, []string{"verdict"}),
		StoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocklist_entries",
			Help:      "Digests currently installed in the blocklist.",
		}),
		StoreCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocklist_capacity",
			Help:      "Maximum number of blocklist digests.",
		}),
		Unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_unresolved_total",
			Help:      "Policy identifiers that did not resolve to an executable.",
		}),
		CapacityRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_capacity_rejected_total",
			Help:      "Resolved policy entries rejected because the blocklist was full.",
		}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Policy reloads by outcome.",
		}, []string{"result"}),
		DigestMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_mismatches_total",
			Help:      "Kernel trace records whose digest differs from the user-space hasher.",
		}),
	}
	reg.MustRegister(
		m.Verdicts,
		m.StoreEntries,
		m.StoreCapacity,
		m.Unresolved,
		m.CapacityRejected,
		m.Reloads,
		m.DigestMismatches,
	)
	return m
}

// ObserveVerdict counts one decision.
func (m *Metrics) ObserveVerdict(verdict string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(verdict).Inc()
}

// SetStore records blocklist occupancy.
func (m *Metrics) SetStore(entries, capacity int) {
	if m == nil {
		return
	}
	m.StoreEntries.Set(float64(entries))
	m.StoreCapacity.Set(float64(capacity))
}

// AddUnresolved counts skipped policy identifiers.
func (m *Metrics) AddUnresolved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Unresolved.Add(float64(n))
}

// AddCapacityRejected counts entries rejected by a full store.
func (m *Metrics) AddCapacityRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CapacityRejected.Add(float64(n))
}

// ObserveReload counts one reload.
func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Reloads.WithLabelValues(result).Inc()
}

// IncDigestMismatch counts a hasher divergence.
func (m *Metrics) IncDigestMismatch() {
	if m == nil {
		return
	}
	m.DigestMismatches.Inc()
}
