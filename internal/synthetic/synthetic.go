// Package synthetic generates small analytic volumes (spheres, boxes,
// gradients) used as fixtures by the package tests and the demo command.
package synthetic

import (
	"math"

	"atlasseg/internal/models"
)

// UnitSpacing is an isotropic 1 mm voxel
var UnitSpacing = models.VoxelSize{X: 1, Y: 1, Z: 1}

// Sphere returns a binary mask holding a ball of the given radius (in voxels)
// centred at (cx, cy, cz)
func Sphere(size int, cx, cy, cz, radius float64) *models.Volume {
	v := models.NewVolume(size, size, size, UnitSpacing)
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - cx
				dy := float64(y) - cy
				dz := float64(z) - cz
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
					v.Set(x, y, z, 1)
				}
			}
		}
	}
	return v
}

// Box returns a binary mask with the inclusive box [lo, hi] set to one
func Box(width, height, depth int, lo, hi [3]int) *models.Volume {
	v := models.NewVolume(width, height, depth, UnitSpacing)
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				if v.Contains(x, y, z) {
					v.Set(x, y, z, 1)
				}
			}
		}
	}
	return v
}

// Intensity turns a mask into a CT-like image: foreground at fg, background
// at bg, plus a smooth gradient so that no neighbourhood is perfectly flat
func Intensity(mask *models.Volume, fg, bg float64) *models.Volume {
	img := models.NewVolumeLike(mask)
	for idx, val := range mask.Data {
		x, y, z := mask.Coords(idx)
		base := bg
		if val != 0 {
			base = fg
		}
		img.Data[idx] = base + 0.5*float64(x+2*y+3*z)
	}
	return img
}

// Constant returns a volume filled with value
func Constant(width, height, depth int, value float64) *models.Volume {
	v := models.NewVolume(width, height, depth, UnitSpacing)
	for i := range v.Data {
		v.Data[i] = value
	}
	return v
}
