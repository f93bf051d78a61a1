package volumeio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kshedden/gonpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasseg/internal/models"
	"atlasseg/internal/synthetic"
)

var spacing = models.VoxelSize{X: 0.9, Y: 0.9, Z: 2.5}

func ramp(width, height, depth int) *models.Volume {
	v := models.NewVolume(width, height, depth, spacing)
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.5
	}
	return v
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "ramp.npy")
	v := ramp(4, 3, 2)
	require.NoError(t, Save(path, v))

	loaded, err := Load(path, spacing)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Width)
	assert.Equal(t, 3, loaded.Height)
	assert.Equal(t, 2, loaded.Depth)
	assert.Equal(t, spacing, loaded.VoxelSize)
	assert.Equal(t, v.Data, loaded.Data)
	assert.Equal(t, v.At(3, 2, 1), loaded.At(3, 2, 1))
}

func TestLoadIntegerArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.npy")
	w, err := gonpy.NewFileWriter(path)
	require.NoError(t, err)
	w.Shape = []int{1, 2, 3}
	require.NoError(t, w.WriteInt32([]int32{0, 1, 1, 0, 2, 3}))

	v, err := Load(path, synthetic.UnitSpacing)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 0, 2, 3}, v.Data)
	assert.Equal(t, 2.0, v.At(1, 1, 0))
}

func TestLoadRejectsShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.npy")
	w, err := gonpy.NewFileWriter(path)
	require.NoError(t, err)
	w.Shape = []int{2, 3}
	require.NoError(t, w.WriteFloat64([]float64{1, 2, 3, 4, 5, 6}))

	_, err = Load(path, synthetic.UnitSpacing)
	assert.ErrorIs(t, err, ErrShape)

	_, err = Load(filepath.Join(t.TempDir(), "missing.npy"), synthetic.UnitSpacing)
	assert.Error(t, err)
}

func writeAtlas(t *testing.T, dir, id string, structures ...string) {
	t.Helper()
	require.NoError(t, Save(filepath.Join(dir, id, ImageFile), ramp(5, 5, 5)))
	for _, s := range structures {
		label := synthetic.Sphere(5, 2, 2, 2, 1)
		label.VoxelSize = spacing
		require.NoError(t, Save(filepath.Join(dir, id, s+".npy"), label))
	}
}

func TestLoadPool(t *testing.T) {
	dir := t.TempDir()
	writeAtlas(t, dir, "b", "HEART")
	writeAtlas(t, dir, "a", "HEART")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	ids, err := ListAtlases(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	pool, err := LoadPool(dir, nil, []string{"HEART"}, spacing)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, pool.IDs())
	assert.Equal(t, 7, pool["a"].Structures["HEART"].Count())

	pool, err = LoadPool(dir, []string{"b"}, nil, spacing)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, pool.IDs())
	assert.Empty(t, pool["b"].Structures)

	_, err = LoadPool(dir, nil, []string{"LUNG"}, spacing)
	assert.Error(t, err)
}

func TestLoadAtlasGridMismatch(t *testing.T) {
	dir := t.TempDir()
	writeAtlas(t, dir, "a")
	require.NoError(t, Save(filepath.Join(dir, "a", "HEART.npy"), ramp(4, 4, 4)))

	_, err := LoadAtlas(dir, "a", []string{"HEART"}, spacing)
	assert.ErrorIs(t, err, models.ErrGridMismatch)
}
