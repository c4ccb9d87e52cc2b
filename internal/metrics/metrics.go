package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "stockline"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "allocation_runs_total",
			Help:      "Allocation runs by criterion and outcome (ok or the error kind).",
		},
		[]string{"criterion", "outcome"},
	)
	unitsAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "allocated_units_total",
			Help:      "Units of stock granted to orders by committed runs.",
		},
		[]string{"criterion"},
	)
	ordersFulfilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "orders_fulfilled_total",
			Help:      "Orders that reached fulfilled in a committed run.",
		},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "allocation_run_duration_seconds",
			Help:      "Wall time of a full allocation run, snapshot through commit.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"outcome"},
	)
	stockMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "stock_movement_units_total",
			Help:      "Units moved in or out of stock by movement type.",
		},
		[]string{"type"},
	)
)

// Registry holds the stockline collectors. It is separate from the default
// registry so tests and embedders get a clean set.
var Registry = prometheus.NewRegistry()

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(runsTotal)
		Registry.MustRegister(unitsAllocated)
		Registry.MustRegister(ordersFulfilled)
		Registry.MustRegister(runDuration)
		Registry.MustRegister(stockMoved)
	})
}

// RecordRun records the outcome of one allocation run. outcome is "ok" or an
// error kind.
func RecordRun(criterion, outcome string, units, fulfilled int, elapsed time.Duration) {
	if criterion == "" {
		criterion = "unknown"
	}
	runsTotal.WithLabelValues(criterion, outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome != "ok" {
		return
	}
	unitsAllocated.WithLabelValues(criterion).Add(float64(units))
	ordersFulfilled.Add(float64(fulfilled))
}

// RecordMovement records a stock movement.
func RecordMovement(movementType string, quantity int) {
	stockMoved.WithLabelValues(movementType).Add(float64(quantity))
}
