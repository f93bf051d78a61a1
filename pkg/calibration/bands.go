package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"atlasseg/internal/models"
	"atlasseg/pkg/fusion"
	"atlasseg/pkg/geometry"
	"atlasseg/pkg/metrics"
)

// Thresholds defining the inner and outer surfaces of a manual probability
// volume when deriving the reference MASD
const (
	ReferenceInner = 1.0
	ReferenceOuter = 0.01
)

// bandMasks thresholds probability at the clipped band edges around pOptimal
func bandMasks(probability *models.Volume, pOptimal, delta float64) (lower, upper *models.Volume) {
	lo, hi := fusion.Band(pOptimal, delta)
	return fusion.Threshold(probability, lo), fusion.Threshold(probability, hi)
}

// MASDBand measures the mean surface distance between the masks obtained by
// thresholding probability at the lower and upper band edges. An empty band
// mask yields NaN.
func MASDBand(probability *models.Volume, pOptimal float64, measurer geometry.Measurer) MetricFunc {
	return func(ctx context.Context, delta float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		lower, upper := bandMasks(probability, pOptimal, delta)
		s, err := metrics.SurfaceMetrics(lower, upper, measurer)
		if errors.Is(err, geometry.ErrEmptyMask) {
			return math.NaN(), nil
		}
		if err != nil {
			return 0, fmt.Errorf("band MASD: %w", err)
		}
		return s.Mean, nil
	}
}

// DoseVariationBand returns the mean dose inside the lower band mask minus the
// mean dose inside the upper band mask. An empty mask yields NaN.
func DoseVariationBand(probability, dose *models.Volume, pOptimal float64) (MetricFunc, error) {
	if err := probability.CheckGrid(dose); err != nil {
		return nil, fmt.Errorf("dose variation: %w", err)
	}
	return func(ctx context.Context, delta float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		lower, upper := bandMasks(probability, pOptimal, delta)
		return maskedMean(dose, lower) - maskedMean(dose, upper), nil
	}, nil
}

func maskedMean(values, mask *models.Volume) float64 {
	var sum float64
	n := 0
	for i, m := range mask.Data {
		if m != 0 {
			sum += values.Data[i]
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// ReferenceMASD is the mean surface distance between the inner (p = 1) and
// outer (p ≥ 0.01) surfaces of a manual probability volume, the value the
// automatic band is calibrated against
func ReferenceMASD(manual *models.Volume, measurer geometry.Measurer) (float64, error) {
	inner := fusion.Threshold(manual, ReferenceInner)
	outer := fusion.Threshold(manual, ReferenceOuter)
	s, err := metrics.SurfaceMetrics(inner, outer, measurer)
	if err != nil {
		return 0, fmt.Errorf("reference MASD: %w", err)
	}
	return s.Mean, nil
}
