package iar

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"atlasseg/pkg/geometry"
)

// OutlierMethod selects the outlier rule applied to the distance statistics
type OutlierMethod string

const (
	// IQR flags values above Q3 + factor*(Q3-Q1)
	IQR OutlierMethod = "IQR"

	// ZScore flags values whose |z| exceeds factor
	ZScore OutlierMethod = "ZSCORE"
)

// Statistic selects how the z-score centre and scale are estimated
type Statistic string

const (
	// MAD uses the median and 1.4826 times the median absolute deviation
	MAD Statistic = "MAD"

	// STD uses the mean and population standard deviation
	STD Statistic = "STD"
)

// madScale makes the MAD a consistent estimator of the normal σ
const madScale = 1.4826

// Dispersion describes the pool-level summary used by the outlier test
type Dispersion struct {
	Center    float64
	Scale     float64
	Q1, Q3    float64
	Threshold float64 // upper cutoff for IQR, |z| cutoff for z-score
}

// FlagOutliers returns the ids (sorted) whose statistic is an outlier under
// the chosen rule, together with the dispersion it was judged against. A
// zero or undefined scale flags nothing under the z-score rule.
func FlagOutliers(stats map[string]float64, method OutlierMethod, statistic Statistic, factor float64) ([]string, Dispersion) {
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	values := make([]float64, len(ids))
	for i, id := range ids {
		values[i] = stats[id]
	}
	if len(values) == 0 {
		return nil, Dispersion{Center: math.NaN(), Scale: math.NaN()}
	}

	d := dispersion(values, statistic)
	flagged := make([]string, 0)

	switch method {
	case ZScore:
		d.Threshold = factor
		if d.Scale == 0 || math.IsNaN(d.Scale) {
			return flagged, d
		}
		for i, v := range values {
			if math.Abs((v-d.Center)/d.Scale) > factor {
				flagged = append(flagged, ids[i])
			}
		}
	default:
		d.Threshold = d.Q3 + factor*(d.Q3-d.Q1)
		for i, v := range values {
			if v > d.Threshold {
				flagged = append(flagged, ids[i])
			}
		}
	}
	return flagged, d
}

// ZScores returns the standardised statistic of every atlas; ids map to NaN
// when the scale is zero
func ZScores(stats map[string]float64, statistic Statistic) map[string]float64 {
	values := make([]float64, 0, len(stats))
	for _, v := range stats {
		values = append(values, v)
	}
	out := make(map[string]float64, len(stats))
	if len(values) == 0 {
		return out
	}
	d := dispersion(values, statistic)
	for id, v := range stats {
		if d.Scale == 0 {
			out[id] = math.NaN()
			continue
		}
		out[id] = (v - d.Center) / d.Scale
	}
	return out
}

func dispersion(values []float64, statistic Statistic) Dispersion {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	d := Dispersion{
		Q1: quantile(sorted, 0.25),
		Q3: quantile(sorted, 0.75),
	}

	switch statistic {
	case STD:
		mean, variance := stat.PopMeanVariance(sorted, nil)
		d.Center = mean
		d.Scale = math.Sqrt(variance)
	default:
		med := geometry.Median(sorted)
		deviations := make([]float64, len(sorted))
		for i, v := range sorted {
			deviations[i] = math.Abs(v - med)
		}
		d.Center = med
		d.Scale = madScale * geometry.Median(deviations)
	}
	return d
}

// quantile linearly interpolates between the closest ranks of sorted data
// (h = (n-1)p)
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}
