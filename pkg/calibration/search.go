// Package calibration searches the probability band half-width Δp around an
// optimal threshold whose band metric best reproduces a reference value.
//
// The search is derivative free and coarse to fine: five points over
// [0, 0.3], then six candidates around the running best at shrinking offsets
// until the best objective changes by no more than the tolerance.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"atlasseg/internal/telemetry"
)

// ErrNoEvaluations is returned when not a single candidate could be evaluated
var ErrNoEvaluations = errors.New("calibration: no candidate evaluated")

// MetricType selects whether the objective is minimised or maximised
type MetricType string

const (
	Minimise MetricType = "min"
	Maximise MetricType = "max"
)

const (
	initialUpper  = 0.3
	initialPoints = 5
)

// refinement offsets, in units of the current spacing
var offsets = []float64{-0.75, -0.5, -0.25, 0.25, 0.5, 0.75}

// MetricFunc evaluates the band metric at half-width delta
type MetricFunc func(ctx context.Context, delta float64) (float64, error)

// Options configures the search
type Options struct {
	// Tolerance is the best-objective change at which the search stops
	Tolerance  float64
	MetricType MetricType

	// MaxRounds caps refinement rounds after the initial sweep; zero means
	// unlimited
	MaxRounds int

	Workers int
	Logger  zerolog.Logger
}

// DefaultOptions returns a minimising search with tolerance 0.01
func DefaultOptions() Options {
	return Options{
		Tolerance:  0.01,
		MetricType: Minimise,
		Logger:     zerolog.Nop(),
	}
}

// Trial is one evaluated candidate
type Trial struct {
	Delta     float64
	Metric    float64
	Objective float64
}

// Round reports the candidates of one round and the global best after it
type Round struct {
	Index  int
	Trials []Trial
	Best   Trial
}

// Result is the outcome of a search
type Result struct {
	Best Trial

	// History holds every evaluated trial in evaluation order
	History []Trial
	Rounds  []Round

	Converged bool
}

// Search finds the Δp minimising (or maximising) (reference − metric(Δp))².
// When MaxRounds is reached or ctx ends the best result so far is returned
// with Converged false.
func Search(ctx context.Context, metric MetricFunc, reference float64, opts Options) (Result, error) {
	log := opts.Logger
	var result Result
	defer func() {
		telemetry.ObserveCalibrationEvaluations(len(result.History))
	}()

	spacing := initialUpper / float64(initialPoints-1)
	candidates := make([]float64, initialPoints)
	for i := range candidates {
		candidates[i] = float64(i) * spacing
	}

	trials, err := evaluate(ctx, metric, reference, candidates, opts.Workers)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrNoEvaluations, err)
	}
	best, ok := fold(Trial{}, false, trials, opts.MetricType)
	if !ok {
		return result, ErrNoEvaluations
	}
	result.History = trials
	result.Best = best
	result.Rounds = append(result.Rounds, Round{Index: 0, Trials: trials, Best: best})
	logRound(log, 0, best)

	for n := 1; ; n++ {
		if opts.MaxRounds > 0 && n > opts.MaxRounds {
			log.Warn().Int("rounds", opts.MaxRounds).Msg("calibration round limit reached")
			break
		}
		previous := result.Best.Objective

		candidates = make([]float64, len(offsets))
		for i, o := range offsets {
			candidates[i] = result.Best.Delta + o*spacing
		}

		trials, err := evaluate(ctx, metric, reference, candidates, opts.Workers)
		if err != nil {
			if ctx.Err() != nil {
				log.Warn().Err(err).Int("round", n).Msg("calibration interrupted, returning best so far")
				break
			}
			return result, fmt.Errorf("calibration round %d: %w", n, err)
		}

		result.History = append(result.History, trials...)
		result.Best, _ = fold(result.Best, true, trials, opts.MetricType)
		result.Rounds = append(result.Rounds, Round{Index: n, Trials: trials, Best: result.Best})
		spacing /= 4
		logRound(log, n, result.Best)

		if math.Abs(result.Best.Objective-previous) <= opts.Tolerance {
			result.Converged = true
			break
		}
	}

	telemetry.ObserveCalibrationRun(result.Converged)
	log.Info().
		Float64("deltaP", result.Best.Delta).
		Float64("objective", result.Best.Objective).
		Int("evaluations", len(result.History)).
		Bool("converged", result.Converged).
		Msg("calibration search complete")
	return result, nil
}

func logRound(log zerolog.Logger, n int, best Trial) {
	log.Info().
		Int("round", n).
		Float64("deltaP", best.Delta).
		Float64("metric", best.Metric).
		Float64("objective", best.Objective).
		Msg("calibration round")
}

// evaluate runs every candidate in parallel; trials keep candidate order
func evaluate(ctx context.Context, metric MetricFunc, reference float64, candidates []float64, workers int) ([]Trial, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trials := make([]Trial, len(candidates))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, delta := range candidates {
		i, delta := i, delta
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			m, err := metric(gCtx, delta)
			if err != nil {
				return fmt.Errorf("Δp=%.4f: %w", delta, err)
			}
			d := reference - m
			trials[i] = Trial{Delta: delta, Metric: m, Objective: d * d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return trials, nil
}

// fold returns the best of current and trials. Only strictly better trials
// replace the incumbent, so ties keep the earliest; NaN objectives never win.
func fold(current Trial, have bool, trials []Trial, metricType MetricType) (Trial, bool) {
	for _, t := range trials {
		if math.IsNaN(t.Objective) {
			continue
		}
		if !have || better(t.Objective, current.Objective, metricType) {
			current, have = t, true
		}
	}
	return current, have
}

func better(candidate, incumbent float64, metricType MetricType) bool {
	if metricType == Maximise {
		return candidate > incumbent
	}
	return candidate < incumbent
}

// WithTimeout runs Search under a deadline
func WithTimeout(ctx context.Context, timeout time.Duration, metric MetricFunc, reference float64, opts Options) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Search(ctx, metric, reference, opts)
}
