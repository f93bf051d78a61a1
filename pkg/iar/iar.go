// Package iar implements iterative atlas removal: atlases whose propagated
// reference structure disagrees strongly with the pool consensus are removed
// round by round until no outlier remains or the pool reaches its floor.
package iar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"atlasseg/internal/models"
	"atlasseg/internal/telemetry"
	"atlasseg/pkg/geometry"
)

// ErrNoReference is returned when the reference structure is not configured
var ErrNoReference = errors.New("iar: reference structure not set")

// Options configures iterative atlas removal
type Options struct {
	// ReferenceStructure names the propagated label used to judge atlases
	ReferenceStructure string

	OutlierMethod   OutlierMethod
	ZScoreStatistic Statistic
	OutlierFactor   float64

	// MinBestAtlases is the pool size below which no removal happens
	MinBestAtlases int

	SmoothDistanceMaps bool
	SmoothSigma        float64

	// ProjectOnSphere selects the spherical consensus
	ProjectOnSphere bool

	// SingleStep runs exactly one round, for callers driving iteration
	SingleStep bool

	// MaxRounds caps the number of rounds; zero means unlimited
	MaxRounds int

	Workers  int
	Measurer geometry.Measurer

	// Consensus overrides the strategy chosen from ProjectOnSphere
	Consensus Consensus

	Logger zerolog.Logger
}

// DefaultOptions mirrors the usual IAR settings: IQR outliers with factor 2
// and a floor of 5 atlases
func DefaultOptions() Options {
	return Options{
		OutlierMethod:   IQR,
		ZScoreStatistic: MAD,
		OutlierFactor:   2,
		MinBestAtlases:  5,
		SmoothSigma:     1,
		Logger:          zerolog.Nop(),
	}
}

func (o Options) consensus() Consensus {
	if o.Consensus != nil {
		return o.Consensus
	}
	measurer := o.Measurer
	if measurer == nil {
		measurer = geometry.NewKDTreeMeasurer()
	}
	if o.ProjectOnSphere {
		return SphericalConsensus{Measurer: measurer}
	}
	c := DistanceMapConsensus{Measurer: measurer, Workers: o.Workers}
	if o.SmoothDistanceMaps {
		c.SmoothSigma = o.SmoothSigma
	}
	return c
}

// Round reports one removal round
type Round struct {
	Index      int
	Statistics map[string]float64
	Dispersion Dispersion
	Flagged    []string
	Removed    []string
}

// Result is the outcome of a removal run
type Result struct {
	Pool   models.AtlasPool
	Rounds []Round

	// Converged is set when the final round flagged no atlas
	Converged bool

	// Degenerate is set when the pool was already smaller than the floor
	Degenerate bool

	// StoppedAtFloor is set when removing the flagged atlases would have
	// taken the pool below MinBestAtlases
	StoppedAtFloor bool
}

// Removed lists every removed atlas in round order
func (r Result) Removed() []string {
	out := make([]string, 0)
	for _, round := range r.Rounds {
		out = append(out, round.Removed...)
	}
	return out
}

// Run performs iterative atlas removal on pool. The input pool is not
// modified; the surviving entries are returned in Result.Pool.
func Run(ctx context.Context, pool models.AtlasPool, opts Options) (Result, error) {
	start := time.Now()
	defer telemetry.ObserveStage("iar", start)

	log := opts.Logger
	result := Result{Pool: pool.Clone()}

	if opts.MinBestAtlases > len(pool) {
		log.Warn().
			Int("pool", len(pool)).
			Int("minBestAtlases", opts.MinBestAtlases).
			Msg("pool smaller than the atlas floor, skipping removal")
		result.Degenerate = true
		return result, nil
	}
	if opts.ReferenceStructure == "" {
		return result, ErrNoReference
	}
	if len(pool) == 0 {
		result.Converged = true
		return result, nil
	}

	consensus := opts.consensus()

	for index := 0; ; index++ {
		if opts.MaxRounds > 0 && index >= opts.MaxRounds {
			log.Info().Int("rounds", index).Msg("iar round limit reached")
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		labels := make(map[string]*models.Volume, len(result.Pool))
		for id, entry := range result.Pool {
			label, err := entry.PropagatedStructure(opts.ReferenceStructure)
			if err != nil {
				return result, fmt.Errorf("atlas %s: %w", id, err)
			}
			labels[id] = label
		}

		stats, err := consensus.Statistics(ctx, labels)
		if err != nil {
			return result, fmt.Errorf("iar round %d: %w", index, err)
		}

		flagged, disp := FlagOutliers(stats, opts.OutlierMethod, opts.ZScoreStatistic, opts.OutlierFactor)
		round := Round{
			Index:      index,
			Statistics: stats,
			Dispersion: disp,
			Flagged:    flagged,
			Removed:    []string{},
		}

		switch {
		case len(flagged) == 0:
			result.Converged = true
		case len(result.Pool)-len(flagged) < opts.MinBestAtlases:
			result.StoppedAtFloor = true
		default:
			round.Removed = flagged
			result.Pool = result.Pool.Without(flagged...)
		}

		result.Rounds = append(result.Rounds, round)
		telemetry.ObserveIARRound(len(round.Removed))
		log.Info().
			Int("round", index).
			Strs("flagged", flagged).
			Strs("removed", round.Removed).
			Int("remaining", len(result.Pool)).
			Float64("center", disp.Center).
			Float64("scale", disp.Scale).
			Msg("iar round")

		if result.Converged || result.StoppedAtFloor || opts.SingleStep {
			break
		}
	}

	log.Info().
		Int("rounds", len(result.Rounds)).
		Int("remaining", len(result.Pool)).
		Bool("converged", result.Converged).
		Bool("stoppedAtFloor", result.StoppedAtFloor).
		Dur("elapsed", time.Since(start)).
		Msg("iterative atlas removal complete")
	return result, nil
}
