// Package metrics holds the Prometheus collectors of the protection loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "position_guard"

// ============ Cycle ============

// CyclesTotal counts control cycles by result (ok, panic)
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Total number of control cycles",
	},
	[]string{"result"},
)

// CycleDuration measures how long one cycle takes
var CycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one control cycle",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	},
)

// StepPanics counts recovered panics by step
var StepPanics = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "step_panics_total",
		Help:      "Panics recovered inside individual cycle steps",
	},
	[]string{"step"},
)

// State is 1 for the current scheduler state and 0 for the others
var State = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "state",
		Help:      "Current scheduler state",
	},
	[]string{"state"},
)

// ============ Protection ============

// ProtectionOutcomes counts placer outcomes by status
var ProtectionOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "outcomes_total",
		Help:      "Protective stop attempts by final status",
	},
	[]string{"status"},
)

// UnprotectedPositions is the count of positions without protection at the last evaluation
var UnprotectedPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "unprotected_positions",
		Help:      "Positions without a protective order at the last evaluation",
	},
)

// OpenPositions is the count of positions at the last evaluation
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "open_positions",
		Help:      "Open positions at the last evaluation",
	},
)

// Liquidations counts emergency liquidations by result
var Liquidations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "liquidations_total",
		Help:      "Emergency liquidation results",
	},
	[]string{"result"},
)

// VerificationMismatches counts deep verification disagreements
var VerificationMismatches = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "verification_mismatches_total",
		Help:      "Times the deep verification disagreed with the per-cycle evaluation",
	},
)

// ============ Policy ============

// Remedies counts executed policy intents by kind and result
var Remedies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "remedies_total",
		Help:      "Executed remediation intents",
	},
	[]string{"kind", "result"},
)

// ============ Risk ============

// GapAlerts counts gap alerts by session
var GapAlerts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gaprisk",
		Name:      "alerts_total",
		Help:      "Extended-hours gap alerts",
	},
	[]string{"session"},
)

// BreakerTrips counts circuit breaker trips
var BreakerTrips = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit",
		Name:      "trips_total",
		Help:      "Circuit breaker trips",
	},
)

// Equity is the account equity at the last cycle
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "account",
		Name:      "equity_dollars",
		Help:      "Account equity at the last cycle",
	},
)

// SetState marks exactly one state active
func SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		State.WithLabelValues(s).Set(v)
	}
}
