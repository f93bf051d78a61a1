// Package fusion combines the propagated labels of an atlas pool into a
// per-voxel probability volume using the atlas weight maps.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"atlasseg/internal/models"
	"atlasseg/internal/telemetry"
)

// ErrNonFiniteWeight is returned when a weight map holds NaN or ±Inf
var ErrNonFiniteWeight = errors.New("fusion: non-finite atlas weight")

// Band thresholds are kept inside this open interval
const (
	MinThreshold = 0.05
	MaxThreshold = 0.95
)

// Fuse computes p(v) = Σ w·l / Σ w over the entries for one structure.
// Voxels where every weight is zero get probability 0. Label values are
// clamped to [0,1] so the result always lies in [0,1]. Non-finite weights
// are rejected with ErrNonFiniteWeight.
func Fuse(target *models.Volume, entries []*models.AtlasEntry, structure string) (*models.Volume, error) {
	numerator := models.NewVolumeLike(target)
	denominator := models.NewVolumeLike(target)

	for _, entry := range entries {
		label, err := entry.PropagatedStructure(structure)
		if err != nil {
			return nil, err
		}
		weight, err := entry.Weight()
		if err != nil {
			return nil, err
		}
		if err := target.CheckGrid(label); err != nil {
			return nil, fmt.Errorf("atlas %s label: %w", entry.ID, err)
		}
		if err := target.CheckGrid(weight); err != nil {
			return nil, fmt.Errorf("atlas %s weight: %w", entry.ID, err)
		}

		for i, w := range weight.Data {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				x, y, z := weight.Coords(i)
				return nil, fmt.Errorf("atlas %s at (%d,%d,%d): %w", entry.ID, x, y, z, ErrNonFiniteWeight)
			}
			if w <= 0 {
				continue
			}
			l := math.Min(math.Max(label.Data[i], 0), 1)
			numerator.Data[i] += w * l
			denominator.Data[i] += w
		}
	}

	out := models.NewVolumeLike(target)
	for i, d := range denominator.Data {
		if d == 0 {
			continue
		}
		out.Data[i] = math.Min(numerator.Data[i]/d, 1)
	}
	return out, nil
}

// FuseAll fuses every named structure in parallel and returns the
// probability volume of each
func FuseAll(ctx context.Context, target *models.Volume, pool models.AtlasPool, structures []string, workers int) (map[string]*models.Volume, error) {
	start := time.Now()
	defer telemetry.ObserveStage("label_fusion", start)

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	entries := pool.Entries()
	names := append([]string(nil), structures...)
	sort.Strings(names)
	results := make([]*models.Volume, len(names))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			p, err := Fuse(target, entries, name)
			if err != nil {
				return fmt.Errorf("fuse %s: %w", name, err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*models.Volume, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out, nil
}

// Threshold returns the binary mask p ≥ t
func Threshold(p *models.Volume, t float64) *models.Volume {
	return p.Binarize(t)
}

// Band returns the lower and upper thresholds pOpt ∓ delta, clipped to
// [MinThreshold, MaxThreshold]
func Band(pOptimal, delta float64) (lower, upper float64) {
	lower = math.Max(MinThreshold, pOptimal-delta)
	upper = math.Min(MaxThreshold, pOptimal+delta)
	return lower, upper
}
