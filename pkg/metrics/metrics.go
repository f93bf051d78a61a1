// Package metrics compares two binary masks: voxel overlap measures (Dice,
// overlap volume, confusion fractions) and symmetric surface distances.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"atlasseg/internal/models"
	"atlasseg/pkg/geometry"
)

// Volume holds overlap measures between a reference mask A and a test mask B
type Volume struct {
	DSC float64

	// VolumeOverlap is |A∩B| in cm³
	VolumeOverlap float64

	// FractionOverlap is |A∩B| / |A∪B|
	FractionOverlap float64

	TruePositiveFraction  float64
	TrueNegativeFraction  float64
	FalsePositiveFraction float64
	FalseNegativeFraction float64
}

// Surface holds symmetric surface distance measures in mm
type Surface struct {
	Hausdorff float64
	Mean      float64
	Median    float64
	Std       float64
	Maximum   float64
}

// VolumeMetrics computes the overlap measures of two masks on the same grid.
// Ratios with a zero denominator are NaN.
func VolumeMetrics(a, b *models.Volume) (Volume, error) {
	if err := a.CheckGrid(b); err != nil {
		return Volume{}, fmt.Errorf("volume metrics: %w", err)
	}

	var tp, tn, fp, fn float64
	for i, av := range a.Data {
		inA, inB := av != 0, b.Data[i] != 0
		switch {
		case inA && inB:
			tp++
		case inA:
			fn++
		case inB:
			fp++
		default:
			tn++
		}
	}

	sizeA := tp + fn
	sizeB := tp + fp
	union := tp + fn + fp

	return Volume{
		DSC:                   ratio(2*tp, sizeA+sizeB),
		VolumeOverlap:         tp * a.VoxelVolume() / 1000,
		FractionOverlap:       ratio(tp, union),
		TruePositiveFraction:  ratio(tp, sizeA),
		TrueNegativeFraction:  ratio(tn, tn+fp),
		FalsePositiveFraction: ratio(fp, tn+fp),
		FalseNegativeFraction: ratio(fn, sizeA),
	}, nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

// SurfaceMetrics measures the contour of each mask against the absolute
// distance map of the other and pools both directions
func SurfaceMetrics(a, b *models.Volume, measurer geometry.Measurer) (Surface, error) {
	if err := a.CheckGrid(b); err != nil {
		return Surface{}, fmt.Errorf("surface metrics: %w", err)
	}

	hd, err := measurer.Hausdorff(a, b)
	if err != nil {
		return Surface{}, err
	}

	aToB, err := directed(measurer, a, b)
	if err != nil {
		return Surface{}, err
	}
	bToA, err := directed(measurer, b, a)
	if err != nil {
		return Surface{}, err
	}

	pooled := PoolStatistics(aToB, bToA)
	return Surface{
		Hausdorff: hd,
		Mean:      pooled.Mean,
		Median:    pooled.Median,
		Std:       pooled.Std,
		Maximum:   pooled.Max,
	}, nil
}

// directed samples |SDM(to)| on the contour of from
func directed(measurer geometry.Measurer, from, to *models.Volume) (geometry.BoundaryStats, error) {
	sdm, err := measurer.SignedDistanceMap(to)
	if err != nil {
		return geometry.BoundaryStats{}, fmt.Errorf("distance map: %w", err)
	}
	stats, err := measurer.BoundaryDistanceStatistics(measurer.Contour(from), geometry.Abs(sdm))
	if err != nil {
		return geometry.BoundaryStats{}, fmt.Errorf("boundary statistics: %w", err)
	}
	return stats, nil
}

// PoolStatistics combines per-direction boundary statistics weighted by
// their sample counts. The pooled std uses the population form
// sqrt(Σ nᵢ(stdᵢ² + (meanᵢ − mean)²) / Σ nᵢ). The median is approximated by
// the mean of the per-direction medians.
func PoolStatistics(parts ...geometry.BoundaryStats) geometry.BoundaryStats {
	var total float64
	means := make([]float64, len(parts))
	counts := make([]float64, len(parts))
	maxima := make([]float64, len(parts))
	medians := make([]float64, len(parts))
	for i, p := range parts {
		means[i] = p.Mean
		counts[i] = float64(p.Count)
		maxima[i] = p.Max
		medians[i] = p.Median
		total += counts[i]
	}
	if total == 0 {
		nan := math.NaN()
		return geometry.BoundaryStats{Mean: nan, Max: nan, Std: nan, Median: nan}
	}

	mean := floats.Dot(means, counts) / total

	var spread float64
	for i, p := range parts {
		d := p.Mean - mean
		spread += counts[i] * (p.Std*p.Std + d*d)
	}

	return geometry.BoundaryStats{
		Mean:   mean,
		Std:    math.Sqrt(spread / total),
		Median: floats.Sum(medians) / float64(len(medians)),
		Max:    floats.Max(maxima),
		Count:  int(total),
	}
}

// Comparison is one row of the per-structure comparison report
type Comparison struct {
	Structure           string
	DSC                 float64
	MeanSurfaceDistance float64
	HausdorffDistance   float64
	Volume              Volume
	Surface             Surface
}

// Compare evaluates an automatic segmentation against a manual reference
func Compare(structure string, manual, auto *models.Volume, measurer geometry.Measurer) (Comparison, error) {
	vol, err := VolumeMetrics(manual, auto)
	if err != nil {
		return Comparison{}, fmt.Errorf("%s: %w", structure, err)
	}
	surf, err := SurfaceMetrics(manual, auto, measurer)
	if err != nil {
		return Comparison{}, fmt.Errorf("%s: %w", structure, err)
	}
	return Comparison{
		Structure:           structure,
		DSC:                 vol.DSC,
		MeanSurfaceDistance: surf.Mean,
		HausdorffDistance:   surf.Hausdorff,
		Volume:              vol,
		Surface:             surf,
	}, nil
}
