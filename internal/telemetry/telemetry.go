// Package telemetry holds the Prometheus instruments recorded by the
// segmentation pipeline.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iarRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlasseg_iar_rounds_total",
		Help: "Total iterative atlas removal rounds executed",
	})

	atlasesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlasseg_iar_atlases_removed_total",
		Help: "Total atlases excluded by iterative atlas removal",
	})

	calibrationEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlasseg_calibration_evaluations_total",
		Help: "Total objective evaluations performed by the threshold calibration search",
	})

	calibrationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlasseg_calibration_runs_total",
		Help: "Calibration searches by outcome",
	}, []string{"converged"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atlasseg_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"stage"})
)

// ObserveIARRound records one removal round and how many atlases it removed
func ObserveIARRound(removed int) {
	iarRounds.Inc()
	atlasesRemoved.Add(float64(removed))
}

// ObserveCalibrationEvaluations records objective evaluations
func ObserveCalibrationEvaluations(n int) {
	calibrationEvaluations.Add(float64(n))
}

// ObserveCalibrationRun records the outcome of a finished search
func ObserveCalibrationRun(converged bool) {
	calibrationRuns.WithLabelValues(fmt.Sprintf("%t", converged)).Inc()
}

// ObserveStage records the duration of a pipeline stage started at start
func ObserveStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes the default registry in the Prometheus text format,
// suitable for the node exporter textfile collector
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
