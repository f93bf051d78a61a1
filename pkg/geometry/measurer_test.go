package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasseg/internal/models"
	"atlasseg/internal/synthetic"
)

func TestContourOfCube(t *testing.T) {
	m := NewKDTreeMeasurer()
	cube := synthetic.Box(5, 5, 5, [3]int{1, 1, 1}, [3]int{3, 3, 3})

	contour := m.Contour(cube)

	assert.Equal(t, 26, contour.Count(), "every voxel but the centre is on the boundary")
	assert.Zero(t, contour.At(2, 2, 2))
}

func TestSignedDistanceMap(t *testing.T) {
	m := NewKDTreeMeasurer()
	cube := synthetic.Box(7, 7, 7, [3]int{1, 1, 1}, [3]int{5, 5, 5})

	sdm, err := m.SignedDistanceMap(cube)
	require.NoError(t, err)

	assert.InDelta(t, 0, sdm.At(1, 3, 3), 1e-12, "boundary voxel")
	assert.InDelta(t, -2, sdm.At(3, 3, 3), 1e-12, "centre is two voxels from the boundary")
	assert.InDelta(t, 1, sdm.At(0, 3, 3), 1e-12, "outside neighbour")

	_, err = m.SignedDistanceMap(models.NewVolume(3, 3, 3, synthetic.UnitSpacing))
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestSignedDistanceMapUsesSpacing(t *testing.T) {
	m := NewKDTreeMeasurer()
	cube := synthetic.Box(7, 7, 7, [3]int{2, 2, 2}, [3]int{4, 4, 4})
	cube.VoxelSize = models.VoxelSize{X: 2, Y: 1, Z: 1}

	sdm, err := m.SignedDistanceMap(cube)
	require.NoError(t, err)
	assert.InDelta(t, 2, sdm.At(1, 3, 3), 1e-12)
	assert.InDelta(t, 1, sdm.At(3, 1, 3), 1e-12)
}

func TestBoundaryDistanceStatistics(t *testing.T) {
	m := NewKDTreeMeasurer()
	contour := models.NewVolume(3, 1, 1, synthetic.UnitSpacing)
	dmap := models.NewVolume(3, 1, 1, synthetic.UnitSpacing)
	for i, v := range []float64{1, 2, 3} {
		contour.Data[i] = 1
		dmap.Data[i] = v
	}

	st, err := m.BoundaryDistanceStatistics(contour, dmap)
	require.NoError(t, err)
	assert.InDelta(t, 2, st.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), st.Std, 1e-12)
	assert.InDelta(t, 2, st.Median, 1e-12)
	assert.InDelta(t, 3, st.Max, 1e-12)
	assert.Equal(t, 3, st.Count)

	_, err = m.BoundaryDistanceStatistics(models.NewVolumeLike(contour), dmap)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestHausdorff(t *testing.T) {
	m := NewKDTreeMeasurer()
	a := synthetic.Box(7, 5, 5, [3]int{1, 1, 1}, [3]int{3, 3, 3})
	b := synthetic.Box(7, 5, 5, [3]int{3, 1, 1}, [3]int{5, 3, 3})

	hd, err := m.Hausdorff(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 2, hd, 1e-12)

	hd, err = m.Hausdorff(a, a)
	require.NoError(t, err)
	assert.Zero(t, hd)

	_, err = m.Hausdorff(a, models.NewVolumeLike(a))
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestBoundingBox(t *testing.T) {
	m := NewKDTreeMeasurer()
	box := synthetic.Box(8, 8, 8, [3]int{1, 2, 3}, [3]int{4, 4, 6})

	r, err := m.BoundingBox(box)
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 2, 3}, r.Index)
	assert.Equal(t, [3]int{4, 3, 4}, r.Size)

	_, err = m.BoundingBox(models.NewVolumeLike(box))
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestGaussianSmoothKeepsConstant(t *testing.T) {
	v := synthetic.Constant(6, 5, 4, 3.5)
	smoothed := GaussianSmooth(v, 1.5)
	for _, val := range smoothed.Data {
		assert.InDelta(t, 3.5, val, 1e-9)
	}
}

func TestGaussianSmoothSpreadsImpulse(t *testing.T) {
	v := models.NewVolume(9, 9, 9, synthetic.UnitSpacing)
	v.Set(4, 4, 4, 1)

	smoothed := GaussianSmooth(v, 1)

	var total float64
	for _, val := range smoothed.Data {
		total += val
	}
	assert.InDelta(t, 1, total, 1e-6)
	assert.Less(t, smoothed.At(4, 4, 4), 1.0)
	assert.Greater(t, smoothed.At(5, 4, 4), 0.0)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.True(t, math.IsNaN(Median(nil)))
}
