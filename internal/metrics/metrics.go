// Package metrics defines the Prometheus metrics exposed by the protection
// engine: transitions, latency violations, retries, rollbacks, defensive
// mode and reconciliation drift.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. Its methods satisfy the small
// per-package sink interfaces so consumers never import prometheus directly.
type Metrics struct {
	TransitionsTotal  *prometheus.CounterVec // State transitions by target state
	LatencyViolations prometheus.Counter     // Update/submit budget violations
	StaleTicks        prometheus.Counter     // Ticks discarded as stale
	OpenPositions     prometheus.Gauge       // Currently protected positions

	CommandsTotal   *prometheus.CounterVec // Sequencer commands by kind
	OrderRetries    prometheus.Counter     // Broker call retries
	OrderConflicts  prometheus.Counter     // Conflict-class broker failures
	OrderRollbacks  prometheus.Counter     // Best-effort stop restores
	CommandDuration prometheus.Histogram   // End-to-end command duration

	FatalFailures prometheus.Counter // Hard broker rejections
	DefensiveMode prometheus.Gauge   // 1 while refusing new positions

	ReconcileSweeps prometheus.Counter // Reconciliation passes
	ReconcileDrift  prometheus.Counter // Local/broker divergences absorbed

	FillsReceived prometheus.Counter // Fill events from the broker stream
	WSReconnects  prometheus.Counter // Fill stream reconnections
	ErrorsTotal   prometheus.Counter // Background errors
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry, which keeps test
// runs isolated from the global registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_transitions_total",
			Help: "State transitions by target state",
		}, []string{"to"}),
		LatencyViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_latency_violations_total",
			Help: "Updates or command submissions that exceeded their budget",
		}),
		StaleTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_stale_ticks_total",
			Help: "Ticks discarded as older than the staleness bound",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "protection_open_positions",
			Help: "Number of positions currently under protection",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_commands_total",
			Help: "Sequencer commands executed by kind",
		}, []string{"kind"}),
		OrderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_order_retries_total",
			Help: "Broker call retries after transient failures",
		}),
		OrderConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_order_conflicts_total",
			Help: "Broker calls rejected due to conflicting order state",
		}),
		OrderRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_order_rollbacks_total",
			Help: "Best-effort stop restores after a failed create",
		}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "protection_command_duration_seconds",
			Help:    "End-to-end protection command duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		FatalFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_fatal_failures_total",
			Help: "Hard broker rejections of protection operations",
		}),
		DefensiveMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "protection_defensive_mode",
			Help: "1 while no new positions are accepted",
		}),
		ReconcileSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_reconcile_sweeps_total",
			Help: "Reconciliation passes against broker state",
		}),
		ReconcileDrift: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_reconcile_drift_total",
			Help: "Local/broker divergences detected and absorbed",
		}),
		FillsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_fills_received_total",
			Help: "Fill events received from the broker stream",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_ws_reconnects_total",
			Help: "Fill stream reconnections",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "protection_errors_total",
			Help: "Background errors",
		}),
	}
}

// Sink methods; each consumer package declares the subset it needs.

func (m *Metrics) TransitionInc(to string)            { m.TransitionsTotal.WithLabelValues(to).Inc() }
func (m *Metrics) LatencyViolationsInc()              { m.LatencyViolations.Inc() }
func (m *Metrics) StaleTicksInc()                     { m.StaleTicks.Inc() }
func (m *Metrics) OpenPositionsSet(n float64)         { m.OpenPositions.Set(n) }
func (m *Metrics) CommandsInc(kind string)            { m.CommandsTotal.WithLabelValues(kind).Inc() }
func (m *Metrics) RetriesInc()                        { m.OrderRetries.Inc() }
func (m *Metrics) ConflictsInc()                      { m.OrderConflicts.Inc() }
func (m *Metrics) RollbacksInc()                      { m.OrderRollbacks.Inc() }
func (m *Metrics) CommandDurationObserve(sec float64) { m.CommandDuration.Observe(sec) }
func (m *Metrics) FatalFailuresInc()                  { m.FatalFailures.Inc() }
func (m *Metrics) DefensiveModeSet(v float64)         { m.DefensiveMode.Set(v) }
func (m *Metrics) SweepsInc()                         { m.ReconcileSweeps.Inc() }
func (m *Metrics) DriftInc()                          { m.ReconcileDrift.Inc() }
func (m *Metrics) FillsInc()                          { m.FillsReceived.Inc() }
