package geometry

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"atlasseg/internal/models"
)

// Point3D is a voxel centre in physical (mm) coordinates
type Point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// VoxelPoint converts voxel indices into physical coordinates
func VoxelPoint(v *models.Volume, x, y, z int) Point3D {
	return Point3D{
		X: float64(x) * v.VoxelSize.X,
		Y: float64(y) * v.VoxelSize.Y,
		Z: float64(z) * v.VoxelSize.Z,
	}
}

// MaskPoints returns the physical coordinates of every non-zero voxel
func MaskPoints(mask *models.Volume) Points3D {
	points := make(Points3D, 0)
	for idx, val := range mask.Data {
		if val == 0 {
			continue
		}
		x, y, z := mask.Coords(idx)
		points = append(points, VoxelPoint(mask, x, y, z))
	}
	return points
}

// buildTree indexes the points for nearest neighbour searches
func buildTree(points Points3D) *kdtree.Tree {
	indexed := make(Points3D, len(points))
	copy(indexed, points)
	return kdtree.New(indexed, true)
}
