package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrGridMismatch is returned when two volumes that must share a spatial grid
// have different dimensions, voxel spacing or origin.
var ErrGridMismatch = errors.New("volumes do not share the same grid")

// spacingTolerance is the largest spacing difference (mm) still treated as the same grid
const spacingTolerance = 1e-6

// VoxelSize is the physical size of a voxel in mm along each axis
type VoxelSize struct {
	X, Y, Z float64
}

// Volume represents a dense 3D scalar volume (CT image, label, weight map or
// probability map) stored on a regular grid
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (index = z*Width*Height + y*Width + x)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize VoxelSize

	// Origin is the physical position (mm) of voxel (0,0,0)
	Origin [3]float64
}

// NewVolume allocates a zero-filled volume with the given dimensions and spacing
func NewVolume(width, height, depth int, spacing VoxelSize) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: spacing,
	}
}

// NewVolumeLike allocates a zero-filled volume on the same grid as v
func NewVolumeLike(v *Volume) *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth, v.VoxelSize)
	out.Origin = v.Origin
	return out
}

// Len returns the number of voxels in the volume
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index converts voxel coordinates into an offset into Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coords converts an offset into Data back into voxel coordinates
func (v *Volume) Coords(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx % plane
	y = rem / v.Width
	x = rem % v.Width
	return x, y, z
}

// Contains reports whether voxel coordinates fall inside the grid
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// At returns the value at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// SameGrid reports whether both volumes have identical dimensions, spacing
// and origin
func (v *Volume) SameGrid(other *Volume) bool {
	if v == nil || other == nil {
		return false
	}
	if v.Width != other.Width || v.Height != other.Height || v.Depth != other.Depth {
		return false
	}
	if !v.SameSpacing(other) {
		return false
	}
	for axis := 0; axis < 3; axis++ {
		if math.Abs(v.Origin[axis]-other.Origin[axis]) > spacingTolerance {
			return false
		}
	}
	return true
}

// SameSpacing reports whether both volumes have the same voxel size
func (v *Volume) SameSpacing(other *Volume) bool {
	return math.Abs(v.VoxelSize.X-other.VoxelSize.X) <= spacingTolerance &&
		math.Abs(v.VoxelSize.Y-other.VoxelSize.Y) <= spacingTolerance &&
		math.Abs(v.VoxelSize.Z-other.VoxelSize.Z) <= spacingTolerance
}

// RegionIn returns the region of parent covered by v when v is a sub-grid of
// parent: same spacing, origin on a parent voxel and extent inside parent
func (v *Volume) RegionIn(parent *Volume) (Region, bool) {
	if !v.SameSpacing(parent) {
		return Region{}, false
	}
	spacing := [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
	size := [3]int{v.Width, v.Height, v.Depth}
	bounds := [3]int{parent.Width, parent.Height, parent.Depth}

	var r Region
	for axis := 0; axis < 3; axis++ {
		steps := (v.Origin[axis] - parent.Origin[axis]) / spacing[axis]
		index := math.Round(steps)
		if math.Abs(steps-index)*spacing[axis] > spacingTolerance {
			return Region{}, false
		}
		r.Index[axis] = int(index)
		r.Size[axis] = size[axis]
		if r.Index[axis] < 0 || r.Index[axis]+size[axis] > bounds[axis] {
			return Region{}, false
		}
	}
	return r, true
}

// CheckGrid returns ErrGridMismatch (wrapped with both shapes) when the grids differ
func (v *Volume) CheckGrid(other *Volume) error {
	if v.SameGrid(other) {
		return nil
	}
	if v == nil || other == nil {
		return fmt.Errorf("%w: nil volume", ErrGridMismatch)
	}
	return fmt.Errorf("%w: %dx%dx%d (%.3g,%.3g,%.3g) at %v vs %dx%dx%d (%.3g,%.3g,%.3g) at %v",
		ErrGridMismatch,
		v.Width, v.Height, v.Depth, v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z, v.Origin,
		other.Width, other.Height, other.Depth, other.VoxelSize.X, other.VoxelSize.Y, other.VoxelSize.Z, other.Origin)
}

// VoxelVolume returns the physical volume of one voxel in mm³
func (v *Volume) VoxelVolume() float64 {
	return v.VoxelSize.X * v.VoxelSize.Y * v.VoxelSize.Z
}

// Count returns the number of non-zero voxels, i.e. the size of a mask
func (v *Volume) Count() int {
	n := 0
	for _, val := range v.Data {
		if val != 0 {
			n++
		}
	}
	return n
}

// Binarize returns a mask with 1 wherever the value is >= threshold
func (v *Volume) Binarize(threshold float64) *Volume {
	mask := NewVolumeLike(v)
	for i, val := range v.Data {
		if val >= threshold {
			mask.Data[i] = 1
		}
	}
	return mask
}

// Region is an axis aligned box of voxels given by its start index and size
type Region struct {
	Index [3]int
	Size  [3]int
}

// Empty reports whether the region contains no voxels
func (r Region) Empty() bool {
	return r.Size[0] <= 0 || r.Size[1] <= 0 || r.Size[2] <= 0
}

// Expand grows the region by n voxels on every side and clamps it to the
// bounds of a width x height x depth grid
func (r Region) Expand(n, width, height, depth int) Region {
	bounds := [3]int{width, height, depth}
	var out Region
	for axis := 0; axis < 3; axis++ {
		start := r.Index[axis] - n
		if start < 0 {
			start = 0
		}
		end := r.Index[axis] + r.Size[axis] + n
		if end > bounds[axis] {
			end = bounds[axis]
		}
		out.Index[axis] = start
		out.Size[axis] = end - start
	}
	return out
}

// Crop extracts the given region into a new volume with the same spacing,
// positioned at the region's physical origin
func (v *Volume) Crop(r Region) (*Volume, error) {
	if r.Empty() {
		return nil, fmt.Errorf("crop region is empty")
	}
	if r.Index[0] < 0 || r.Index[1] < 0 || r.Index[2] < 0 ||
		r.Index[0]+r.Size[0] > v.Width || r.Index[1]+r.Size[1] > v.Height || r.Index[2]+r.Size[2] > v.Depth {
		return nil, fmt.Errorf("crop region %v extends beyond volume boundaries", r)
	}

	out := NewVolume(r.Size[0], r.Size[1], r.Size[2], v.VoxelSize)
	out.Origin = [3]float64{
		v.Origin[0] + float64(r.Index[0])*v.VoxelSize.X,
		v.Origin[1] + float64(r.Index[1])*v.VoxelSize.Y,
		v.Origin[2] + float64(r.Index[2])*v.VoxelSize.Z,
	}
	for z := 0; z < r.Size[2]; z++ {
		for y := 0; y < r.Size[1]; y++ {
			src := v.Index(r.Index[0], r.Index[1]+y, r.Index[2]+z)
			dst := out.Index(0, y, z)
			copy(out.Data[dst:dst+r.Size[0]], v.Data[src:src+r.Size[0]])
		}
	}
	return out, nil
}

// PasteInto copies v into a clone of template starting at the given index.
// Voxels falling outside the template are dropped.
func (v *Volume) PasteInto(template *Volume, index [3]int) *Volume {
	out := template.Clone()
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				tx, ty, tz := x+index[0], y+index[1], z+index[2]
				if !out.Contains(tx, ty, tz) {
					continue
				}
				out.Set(tx, ty, tz, v.At(x, y, z))
			}
		}
	}
	return out
}
