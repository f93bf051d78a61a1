// Package geometry provides the geometric measurement primitives used by the
// metric engine and iterative atlas removal: contours, signed distance maps,
// boundary distance statistics, Hausdorff distance and bounding boxes.
//
// The Measurer interface is the boundary to the geometric engine. KDTreeMeasurer
// is an exact reference implementation based on nearest-boundary searches.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"

	"atlasseg/internal/models"
)

// ErrEmptyMask is returned when a measurement needs foreground voxels and the
// mask has none
var ErrEmptyMask = errors.New("mask has no foreground voxels")

// BoundaryStats summarises the distance map values sampled on a contour
type BoundaryStats struct {
	Mean   float64
	Max    float64
	Std    float64 // population standard deviation
	Median float64
	Count  int
}

// Measurer is the geometric measurement collaborator
type Measurer interface {
	// SignedDistanceMap returns the physical distance to the mask boundary,
	// negative inside the object
	SignedDistanceMap(mask *models.Volume) (*models.Volume, error)

	// Contour returns the boundary voxels of the mask
	Contour(mask *models.Volume) *models.Volume

	// BoundaryDistanceStatistics samples distanceMap on the contour voxels
	BoundaryDistanceStatistics(contour, distanceMap *models.Volume) (BoundaryStats, error)

	// Hausdorff returns the symmetric boundary-to-boundary Hausdorff distance
	Hausdorff(a, b *models.Volume) (float64, error)

	// BoundingBox returns the smallest region holding every foreground voxel
	BoundingBox(mask *models.Volume) (models.Region, error)
}

// KDTreeMeasurer implements Measurer with a KD-tree over boundary voxels
type KDTreeMeasurer struct {
	// Workers bounds the goroutines used for distance map computation.
	// Zero means runtime.NumCPU().
	Workers int
}

// NewKDTreeMeasurer creates a measurer using all available cores
func NewKDTreeMeasurer() *KDTreeMeasurer {
	return &KDTreeMeasurer{Workers: runtime.NumCPU()}
}

var neighbours6 = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// Contour marks foreground voxels that touch background (or the grid edge)
// through one of their 6 face neighbours
func (m *KDTreeMeasurer) Contour(mask *models.Volume) *models.Volume {
	contour := models.NewVolumeLike(mask)
	for idx, val := range mask.Data {
		if val == 0 {
			continue
		}
		x, y, z := mask.Coords(idx)
		for _, n := range neighbours6 {
			nx, ny, nz := x+n[0], y+n[1], z+n[2]
			if !mask.Contains(nx, ny, nz) || mask.At(nx, ny, nz) == 0 {
				contour.Data[idx] = 1
				break
			}
		}
	}
	return contour
}

// SignedDistanceMap computes, for every voxel, the physical distance to the
// nearest boundary voxel of mask. Voxels inside the object get negative
// values and boundary voxels are zero.
func (m *KDTreeMeasurer) SignedDistanceMap(mask *models.Volume) (*models.Volume, error) {
	boundary := MaskPoints(m.Contour(mask))
	if len(boundary) == 0 {
		return nil, fmt.Errorf("signed distance map: %w", ErrEmptyMask)
	}
	tree := buildTree(boundary)

	out := models.NewVolumeLike(mask)
	plane := mask.Width * mask.Height

	var g errgroup.Group
	g.SetLimit(m.workers())
	for z := 0; z < mask.Depth; z++ {
		z := z
		g.Go(func() error {
			for y := 0; y < mask.Height; y++ {
				for x := 0; x < mask.Width; x++ {
					idx := z*plane + y*mask.Width + x
					_, d2 := tree.Nearest(VoxelPoint(mask, x, y, z))
					d := math.Sqrt(d2)
					if mask.Data[idx] != 0 {
						d = -d
					}
					out.Data[idx] = d
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BoundaryDistanceStatistics collects distanceMap values at every non-zero
// contour voxel and summarises them
func (m *KDTreeMeasurer) BoundaryDistanceStatistics(contour, distanceMap *models.Volume) (BoundaryStats, error) {
	if err := contour.CheckGrid(distanceMap); err != nil {
		return BoundaryStats{}, fmt.Errorf("boundary statistics: %w", err)
	}

	values := make([]float64, 0)
	for idx, val := range contour.Data {
		if val != 0 {
			values = append(values, distanceMap.Data[idx])
		}
	}
	if len(values) == 0 {
		return BoundaryStats{}, fmt.Errorf("boundary statistics: %w", ErrEmptyMask)
	}

	mean, variance := stat.PopMeanVariance(values, nil)
	return BoundaryStats{
		Mean:   mean,
		Max:    floats.Max(values),
		Std:    math.Sqrt(variance),
		Median: Median(values),
		Count:  len(values),
	}, nil
}

// Hausdorff returns max(h(A,B), h(B,A)) where h is the directed
// boundary-to-boundary distance
func (m *KDTreeMeasurer) Hausdorff(a, b *models.Volume) (float64, error) {
	if err := a.CheckGrid(b); err != nil {
		return 0, fmt.Errorf("hausdorff: %w", err)
	}
	pa := MaskPoints(m.Contour(a))
	pb := MaskPoints(m.Contour(b))
	if len(pa) == 0 || len(pb) == 0 {
		return 0, fmt.Errorf("hausdorff: %w", ErrEmptyMask)
	}

	ab := directedHausdorff(pa, buildTree(pb))
	ba := directedHausdorff(pb, buildTree(pa))
	return math.Max(ab, ba), nil
}

func directedHausdorff(from Points3D, to *kdtree.Tree) float64 {
	var worst float64
	for _, p := range from {
		_, d2 := to.Nearest(p)
		if d2 > worst {
			worst = d2
		}
	}
	return math.Sqrt(worst)
}

// BoundingBox returns the smallest region holding every non-zero voxel
func (m *KDTreeMeasurer) BoundingBox(mask *models.Volume) (models.Region, error) {
	lo := [3]int{mask.Width, mask.Height, mask.Depth}
	hi := [3]int{-1, -1, -1}
	for idx, val := range mask.Data {
		if val == 0 {
			continue
		}
		x, y, z := mask.Coords(idx)
		for axis, c := range [3]int{x, y, z} {
			if c < lo[axis] {
				lo[axis] = c
			}
			if c > hi[axis] {
				hi[axis] = c
			}
		}
	}
	if hi[0] < 0 {
		return models.Region{}, fmt.Errorf("bounding box: %w", ErrEmptyMask)
	}

	var r models.Region
	for axis := 0; axis < 3; axis++ {
		r.Index[axis] = lo[axis]
		r.Size[axis] = hi[axis] - lo[axis] + 1
	}
	return r, nil
}

func (m *KDTreeMeasurer) workers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.NumCPU()
}

// Abs returns a copy of v holding absolute values
func Abs(v *models.Volume) *models.Volume {
	out := models.NewVolumeLike(v)
	for i, val := range v.Data {
		out.Data[i] = math.Abs(val)
	}
	return out
}

// Median calculates the median value of a slice of float64 values. The
// average of the two middle values is used for even lengths; an empty slice
// yields NaN.
func Median(values []float64) float64 {
	valuesCopy := make([]float64, len(values))
	copy(valuesCopy, values)
	sort.Float64s(valuesCopy)

	n := len(valuesCopy)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 0 {
		return (valuesCopy[n/2-1] + valuesCopy[n/2]) / 2
	}
	return valuesCopy[n/2]
}
