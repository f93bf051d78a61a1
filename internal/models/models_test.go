package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeIndexRoundTrip(t *testing.T) {
	v := NewVolume(4, 3, 2, VoxelSize{1, 1, 2})
	for idx := 0; idx < v.Len(); idx++ {
		x, y, z := v.Coords(idx)
		assert.Equal(t, idx, v.Index(x, y, z))
	}
}

func TestCheckGrid(t *testing.T) {
	a := NewVolume(4, 4, 4, VoxelSize{1, 1, 1})
	b := NewVolume(4, 4, 4, VoxelSize{1, 1, 1})
	c := NewVolume(4, 4, 4, VoxelSize{1, 1, 2})

	require.NoError(t, a.CheckGrid(b))
	assert.ErrorIs(t, a.CheckGrid(c), ErrGridMismatch)
	assert.ErrorIs(t, a.CheckGrid(nil), ErrGridMismatch)
}

func TestCropAndPaste(t *testing.T) {
	v := NewVolume(6, 6, 6, VoxelSize{1, 1, 1})
	v.Set(3, 2, 4, 7)

	region := Region{Index: [3]int{2, 1, 3}, Size: [3]int{3, 3, 3}}
	cropped, err := v.Crop(region)
	require.NoError(t, err)
	assert.Equal(t, 7.0, cropped.At(1, 1, 1))

	pasted := cropped.PasteInto(NewVolumeLike(v), region.Index)
	assert.Equal(t, v.Data, pasted.Data)

	_, err = v.Crop(Region{Index: [3]int{5, 5, 5}, Size: [3]int{3, 3, 3}})
	assert.Error(t, err)
}

func TestCropOriginAndRegionIn(t *testing.T) {
	v := NewVolume(10, 10, 10, VoxelSize{2, 2, 3})
	v.Origin = [3]float64{-5, 0, 1}

	region := Region{Index: [3]int{2, 3, 4}, Size: [3]int{4, 4, 2}}
	cropped, err := v.Crop(region)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{-1, 6, 13}, cropped.Origin)
	assert.False(t, cropped.SameGrid(NewVolume(4, 4, 2, VoxelSize{2, 2, 3})), "origin is part of the grid")

	got, ok := cropped.RegionIn(v)
	require.True(t, ok)
	assert.Equal(t, region, got)

	_, ok = v.RegionIn(cropped)
	assert.False(t, ok, "parent does not fit inside its crop")

	shifted := cropped.Clone()
	shifted.Origin[0] += 0.5
	_, ok = shifted.RegionIn(v)
	assert.False(t, ok, "origin between voxels")

	other := NewVolume(4, 4, 2, VoxelSize{1, 1, 1})
	_, ok = other.RegionIn(v)
	assert.False(t, ok, "spacing differs")
}

func TestRegionExpandClamps(t *testing.T) {
	r := Region{Index: [3]int{1, 5, 2}, Size: [3]int{2, 2, 2}}
	got := r.Expand(3, 8, 8, 5)
	assert.Equal(t, [3]int{0, 2, 0}, got.Index)
	assert.Equal(t, [3]int{6, 6, 5}, got.Size)
}

func TestAtlasStages(t *testing.T) {
	label := NewVolume(2, 2, 2, VoxelSize{1, 1, 1})
	entry := &AtlasEntry{ID: "a", Structures: map[string]*Volume{"HEART": label}}

	_, err := entry.Propagated()
	assert.ErrorIs(t, err, ErrStageMissing)
	_, err = entry.Weight()
	assert.ErrorIs(t, err, ErrStageMissing)

	entry.Rigid = &RigidStage{Structures: map[string]*Volume{"HEART": label}}
	got, err := entry.PropagatedStructure("HEART")
	require.NoError(t, err)
	assert.Same(t, label, got)

	deformed := label.Clone()
	entry.Deformable = &DeformableStage{Structures: map[string]*Volume{"HEART": deformed}}
	got, err = entry.PropagatedStructure("HEART")
	require.NoError(t, err)
	assert.Same(t, deformed, got)

	_, err = entry.PropagatedStructure("LUNG_L")
	assert.Error(t, err)
}

func TestAtlasPool(t *testing.T) {
	pool, err := NewAtlasPool(&AtlasEntry{ID: "b"}, &AtlasEntry{ID: "a"}, &AtlasEntry{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, pool.IDs())

	reduced := pool.Without("b")
	assert.Equal(t, []string{"a", "c"}, reduced.IDs())
	assert.Len(t, pool, 3, "original pool must not shrink")

	_, err = NewAtlasPool(&AtlasEntry{ID: "a"}, &AtlasEntry{ID: "a"})
	assert.Error(t, err)
}
