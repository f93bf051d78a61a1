package geometry

import (
	"math"

	"atlasseg/internal/models"
)

// GaussianSmooth applies a separable Gaussian filter with a physical standard
// deviation of sigma mm. Edges are handled by clamping to the nearest voxel.
// A non-positive sigma returns an unmodified copy.
func GaussianSmooth(v *models.Volume, sigma float64) *models.Volume {
	out := v.Clone()
	if sigma <= 0 {
		return out
	}

	spacing := [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
	for axis := 0; axis < 3; axis++ {
		if spacing[axis] <= 0 {
			continue
		}
		kernel := gaussianKernel(sigma / spacing[axis])
		out = convolveAxis(out, kernel, axis)
	}
	return out
}

// gaussianKernel returns a normalised kernel truncated at 3 standard deviations
func gaussianKernel(sigmaVoxels float64) []float64 {
	radius := int(math.Ceil(3 * sigmaVoxels))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigmaVoxels * sigmaVoxels))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func convolveAxis(v *models.Volume, kernel []float64, axis int) *models.Volume {
	out := models.NewVolumeLike(v)
	radius := len(kernel) / 2
	dims := [3]int{v.Width, v.Height, v.Depth}

	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				pos := [3]int{x, y, z}
				var acc float64
				for k := -radius; k <= radius; k++ {
					p := pos
					p[axis] = clamp(pos[axis]+k, 0, dims[axis]-1)
					acc += kernel[k+radius] * v.At(p[0], p[1], p[2])
				}
				out.Set(x, y, z, acc)
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
