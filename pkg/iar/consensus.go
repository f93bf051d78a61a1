package iar

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"atlasseg/internal/models"
	"atlasseg/pkg/geometry"
)

// Consensus scores how far each atlas' reference label lies from the pool
// consensus. Larger statistics mean larger disagreement.
type Consensus interface {
	Statistics(ctx context.Context, labels map[string]*models.Volume) (map[string]float64, error)
}

// DistanceMapConsensus averages the signed distance maps of every label into
// a consensus surface and scores each atlas by the mean absolute consensus
// distance sampled on its own contour
type DistanceMapConsensus struct {
	Measurer geometry.Measurer

	// SmoothSigma, when positive, Gaussian-smooths every distance map (mm)
	SmoothSigma float64

	Workers int
}

// Statistics implements Consensus
func (c DistanceMapConsensus) Statistics(ctx context.Context, labels map[string]*models.Volume) (map[string]float64, error) {
	ids := sortedIDs(labels)
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	first := labels[ids[0]]
	for _, id := range ids[1:] {
		if err := first.CheckGrid(labels[id]); err != nil {
			return nil, fmt.Errorf("atlas %s: %w", id, err)
		}
	}

	maps := make([]*models.Volume, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(c.Workers))
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			sdm, err := c.Measurer.SignedDistanceMap(labels[id])
			if err != nil {
				return fmt.Errorf("atlas %s: %w", id, err)
			}
			if c.SmoothSigma > 0 {
				sdm = geometry.GaussianSmooth(sdm, c.SmoothSigma)
			}
			maps[i] = sdm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	consensus := models.NewVolumeLike(first)
	for _, sdm := range maps {
		for i, v := range sdm.Data {
			consensus.Data[i] += v
		}
	}
	n := float64(len(maps))
	for i := range consensus.Data {
		consensus.Data[i] = math.Abs(consensus.Data[i] / n)
	}

	stats := make(map[string]float64, len(ids))
	for _, id := range ids {
		summary, err := c.Measurer.BoundaryDistanceStatistics(c.Measurer.Contour(labels[id]), consensus)
		if err != nil {
			return nil, fmt.Errorf("atlas %s: %w", id, err)
		}
		stats[id] = summary.Mean
	}
	return stats, nil
}

// SphericalConsensus projects every contour onto a spherical grid around the
// pooled centroid and scores each atlas by its mean radial distance from the
// per-bin consensus radius. Bins are equal-area: polar bins are uniform in
// cos(θ) and azimuthal bins uniform in φ.
type SphericalConsensus struct {
	Measurer geometry.Measurer

	PolarBins     int
	AzimuthalBins int
}

const (
	defaultPolarBins     = 6
	defaultAzimuthalBins = 12
)

// Statistics implements Consensus
func (c SphericalConsensus) Statistics(ctx context.Context, labels map[string]*models.Volume) (map[string]float64, error) {
	ids := sortedIDs(labels)
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	first := labels[ids[0]]
	for _, id := range ids[1:] {
		if err := first.CheckGrid(labels[id]); err != nil {
			return nil, fmt.Errorf("atlas %s: %w", id, err)
		}
	}

	polar, azimuthal := c.PolarBins, c.AzimuthalBins
	if polar <= 0 {
		polar = defaultPolarBins
	}
	if azimuthal <= 0 {
		azimuthal = defaultAzimuthalBins
	}

	// common origin: mean of the per-atlas foreground centroids
	var origin r3.Vector
	for _, id := range ids {
		points := toVectors(geometry.MaskPoints(labels[id]))
		if len(points) == 0 {
			return nil, fmt.Errorf("atlas %s: %w", id, geometry.ErrEmptyMask)
		}
		origin = origin.Add(centroid(points))
	}
	origin = origin.Mul(1 / float64(len(ids)))

	nBins := polar * azimuthal
	radii := make([][]float64, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		contour := toVectors(geometry.MaskPoints(c.Measurer.Contour(labels[id])))
		radii[i] = binnedRadii(contour, origin, polar, azimuthal)
	}

	consensus := make([]float64, nBins)
	for b := 0; b < nBins; b++ {
		values := make([]float64, 0, len(ids))
		for i := range ids {
			if !math.IsNaN(radii[i][b]) {
				values = append(values, radii[i][b])
			}
		}
		consensus[b] = math.NaN()
		if len(values) > 0 {
			consensus[b] = stat.Mean(values, nil)
		}
	}

	stats := make(map[string]float64, len(ids))
	for i, id := range ids {
		diffs := make([]float64, 0, nBins)
		for b, r := range radii[i] {
			if math.IsNaN(r) {
				continue
			}
			diffs = append(diffs, math.Abs(r-consensus[b]))
		}
		if len(diffs) == 0 {
			return nil, fmt.Errorf("atlas %s: %w", id, geometry.ErrEmptyMask)
		}
		stats[id] = stat.Mean(diffs, nil)
	}
	return stats, nil
}

// binnedRadii returns the mean radius of the points falling into every bin,
// NaN for empty bins
func binnedRadii(points []r3.Vector, origin r3.Vector, polar, azimuthal int) []float64 {
	sums := make([]float64, polar*azimuthal)
	counts := make([]int, polar*azimuthal)
	for _, p := range points {
		v := p.Sub(origin)
		r := v.Norm()
		if r == 0 {
			continue
		}
		cosTheta := v.Z / r
		phi := math.Atan2(v.Y, v.X) + math.Pi

		pi := int((1 - cosTheta) / 2 * float64(polar))
		ai := int(phi / (2 * math.Pi) * float64(azimuthal))
		pi = min(max(pi, 0), polar-1)
		ai = min(max(ai, 0), azimuthal-1)

		b := pi*azimuthal + ai
		sums[b] += r
		counts[b]++
	}

	out := make([]float64, len(sums))
	for b := range sums {
		if counts[b] == 0 {
			out[b] = math.NaN()
			continue
		}
		out[b] = sums[b] / float64(counts[b])
	}
	return out
}

func toVectors(points geometry.Points3D) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
	}
	return out
}

func centroid(points []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

func sortedIDs(labels map[string]*models.Volume) []string {
	ids := make([]string, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func workerCount(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}
