// Package metrics provides Prometheus collectors for trace and registration
// runs. The engine runs as a batch job, so collectors live in a private
// registry that is written to a node-exporter textfile at the end of a run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector in this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// OrdersFound is the number of orders in the last finished trace.
	OrdersFound = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nres",
			Subsystem: "trace",
			Name:      "orders_found",
			Help:      "Number of orders recovered by the last trace run",
		},
	)

	// FollowerSteps counts columns visited by fiber followers.
	// Labels: direction (left, right)
	FollowerSteps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nres",
			Subsystem: "follower",
			Name:      "steps_total",
			Help:      "Total columns visited while following fibers",
		},
		[]string{"direction"},
	)

	// FollowerStops counts follower terminations.
	// Labels: reason (edge, snr, noflux, bounds)
	FollowerStops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nres",
			Subsystem: "follower",
			Name:      "stops_total",
			Help:      "Total follower terminations by stop reason",
		},
		[]string{"reason"},
	)

	// AmbiguousMatches counts neighbor-fiber decisions made on comparable flux.
	AmbiguousMatches = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nres",
			Subsystem: "trace",
			Name:      "ambiguous_matches_total",
			Help:      "Neighbor fiber choices made between candidates of comparable flux",
		},
	)

	// SearchExhausted counts search directions that ran out of orders.
	// Labels: direction (blue, red)
	SearchExhausted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nres",
			Subsystem: "trace",
			Name:      "search_exhausted_total",
			Help:      "Search directions that stopped finding orders",
		},
		[]string{"direction"},
	)

	// RegistrationEvaluations counts objective evaluations in warp fitting.
	RegistrationEvaluations = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nres",
			Subsystem: "registration",
			Name:      "evaluations_total",
			Help:      "Objective function evaluations spent fitting coordinate warps",
		},
	)

	// RegistrationConverged is 1 when the last warp fit converged, 0 when it
	// fell back to the grid-search seed.
	RegistrationConverged = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nres",
			Subsystem: "registration",
			Name:      "converged",
			Help:      "Whether the last warp fit converged (1) or fell back to the grid seed (0)",
		},
	)

	// StageDuration tracks how long each pipeline stage takes.
	// Labels: stage (load, trace, detect, register, write)
	StageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nres",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"stage"},
	)
)

// ObserveStage records the time since start against stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes the registry in text exposition format. An empty
// path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
