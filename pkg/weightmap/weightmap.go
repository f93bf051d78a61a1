// Package weightmap computes per-atlas confidence volumes used to weight the
// votes of each atlas during label fusion.
package weightmap

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"atlasseg/internal/models"
)

// VoteType selects how an atlas' trust is measured
type VoteType string

const (
	// Local weights each voxel by the inverse mean squared intensity
	// difference inside a window around it
	Local VoteType = "local"

	// Global uses one inverse mean squared difference for the whole image
	Global VoteType = "global"

	// Unweighted gives every atlas the same weight (majority voting)
	Unweighted VoteType = "unweighted"
)

// Options configures weight map computation
type Options struct {
	VoteType VoteType

	// Radius is the half-width in voxels of the local window
	Radius int

	// Epsilon regularises the global weight and is the local mean squared
	// difference at or below which a window counts as degenerate. Values
	// <= 0 select DefaultEpsilon.
	Epsilon float64
}

// DefaultEpsilon keeps weights finite for atlases identical to the target
const DefaultEpsilon = 1e-6

func (o Options) epsilon() float64 {
	if o.Epsilon > 0 && !math.IsInf(o.Epsilon, 0) {
		return o.Epsilon
	}
	return DefaultEpsilon
}

// DefaultOptions returns local voting with a 3x3x3 window
func DefaultOptions() Options {
	return Options{VoteType: Local, Radius: 1, Epsilon: DefaultEpsilon}
}

// Compute returns the weight map of one registered atlas image with respect
// to the target. Both images must share the target grid.
func Compute(target, registered *models.Volume, opts Options) (*models.Volume, error) {
	if err := target.CheckGrid(registered); err != nil {
		return nil, fmt.Errorf("weight map: %w", err)
	}

	switch opts.VoteType {
	case Unweighted:
		return fill(target, 1), nil
	case Global:
		return fill(target, GlobalWeight(target, registered, opts.epsilon())), nil
	case Local, "":
		return localWeights(target, registered, opts), nil
	default:
		return nil, fmt.Errorf("unknown vote type %q", opts.VoteType)
	}
}

// GlobalWeight returns 1/(MSE + epsilon) where MSE is the mean squared
// intensity difference over the whole grid. A non-positive epsilon is
// replaced by DefaultEpsilon.
func GlobalWeight(target, registered *models.Volume, epsilon float64) float64 {
	if epsilon <= 0 || math.IsNaN(epsilon) {
		epsilon = DefaultEpsilon
	}
	var sum float64
	for i, t := range target.Data {
		d := t - registered.Data[i]
		sum += d * d
	}
	mse := sum / float64(len(target.Data))
	return 1 / (mse + epsilon)
}

func localWeights(target, registered *models.Volume, opts Options) *models.Volume {
	radius := opts.Radius
	if radius < 1 {
		radius = 1
	}
	epsilon := opts.epsilon()
	global := GlobalWeight(target, registered, epsilon)

	sq := models.NewVolumeLike(target)
	for i, t := range target.Data {
		d := t - registered.Data[i]
		sq.Data[i] = d * d
	}

	out := models.NewVolumeLike(target)
	for z := 0; z < target.Depth; z++ {
		for y := 0; y < target.Height; y++ {
			for x := 0; x < target.Width; x++ {
				msd := windowMean(sq, x, y, z, radius)
				w := global
				if msd > epsilon && !math.IsInf(msd, 0) && !math.IsNaN(msd) {
					w = 1 / msd
				}
				out.Set(x, y, z, w)
			}
		}
	}
	return out
}

// windowMean averages v over the cube of the given radius, clipped to the grid
func windowMean(v *models.Volume, cx, cy, cz, radius int) float64 {
	var sum float64
	n := 0
	for z := cz - radius; z <= cz+radius; z++ {
		for y := cy - radius; y <= cy+radius; y++ {
			for x := cx - radius; x <= cx+radius; x++ {
				if !v.Contains(x, y, z) {
					continue
				}
				sum += v.At(x, y, z)
				n++
			}
		}
	}
	return sum / float64(n)
}

func fill(like *models.Volume, value float64) *models.Volume {
	out := models.NewVolumeLike(like)
	for i := range out.Data {
		out.Data[i] = value
	}
	return out
}

// ComputePool returns a copy of the pool in which every entry carries the
// weight map of its latest registered image. Atlases are processed in
// parallel with at most workers goroutines.
func ComputePool(ctx context.Context, target *models.Volume, pool models.AtlasPool, opts Options, workers int) (models.AtlasPool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	entries := pool.Entries()
	results := make([]*models.AtlasEntry, len(entries))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			image, err := entry.RegisteredImage()
			if err != nil {
				return err
			}
			w, err := Compute(target, image, opts)
			if err != nil {
				return fmt.Errorf("atlas %s: %w", entry.ID, err)
			}
			next := *entry
			next.WeightMap = w
			results[i] = &next
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return models.NewAtlasPool(results...)
}
