// Package volumeio reads and writes volumes as NumPy .npy arrays. Arrays are
// indexed (z, y, x); the .npy format carries no geometry so the voxel
// spacing is supplied by the caller.
package volumeio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kshedden/gonpy"

	"atlasseg/internal/models"
)

// ErrShape is returned for arrays that are not three dimensional
var ErrShape = errors.New("npy array is not three dimensional")

// ImageFile is the name of the atlas image inside an atlas directory
const ImageFile = "image.npy"

// Load reads a 3D array from path into a volume with the given spacing
func Load(path string, spacing models.VoxelSize) (*models.Volume, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if len(r.Shape) != 3 {
		return nil, fmt.Errorf("%s: shape %v: %w", path, r.Shape, ErrShape)
	}

	data, err := readFloat64(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	depth, height, width := r.Shape[0], r.Shape[1], r.Shape[2]
	v := models.NewVolume(width, height, depth, spacing)
	if len(data) != v.Len() {
		return nil, fmt.Errorf("%s: %d values for shape %v", path, len(data), r.Shape)
	}
	if !r.ColumnMajor {
		copy(v.Data, data)
		return v, nil
	}

	// Fortran order: the first axis varies fastest
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, data[z+depth*(y+height*x)])
			}
		}
	}
	return v, nil
}

func readFloat64(r *gonpy.NpyReader) ([]float64, error) {
	switch dtype := strings.TrimLeft(r.Dtype, "<>|="); dtype {
	case "f8":
		return r.GetFloat64()
	case "f4":
		return widen(r.GetFloat32())
	case "i8":
		return widen(r.GetInt64())
	case "i4":
		return widen(r.GetInt32())
	case "i2":
		return widen(r.GetInt16())
	case "i1":
		return widen(r.GetInt8())
	case "u1":
		return widen(r.GetUint8())
	case "u2":
		return widen(r.GetUint16())
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

type number interface {
	~float32 | ~int64 | ~int32 | ~int16 | ~int8 | ~uint8 | ~uint16
}

func widen[T number](values []T, err error) ([]float64, error) {
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out, nil
}

// Save writes v to path as a C-ordered float64 array of shape
// (Depth, Height, Width)
func Save(path string, v *models.Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w.Shape = []int{v.Depth, v.Height, v.Width}
	if err := w.WriteFloat64(v.Data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ListAtlases returns the sorted names of the sub-directories of dir that
// hold an atlas image
func ListAtlases(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), ImageFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadAtlas reads <dir>/<id>/image.npy and one <dir>/<id>/<STRUCT>.npy per
// structure. Missing structure files are an error.
func LoadAtlas(dir, id string, structures []string, spacing models.VoxelSize) (*models.AtlasEntry, error) {
	base := filepath.Join(dir, id)
	image, err := Load(filepath.Join(base, ImageFile), spacing)
	if err != nil {
		return nil, fmt.Errorf("atlas %s: %w", id, err)
	}

	entry := &models.AtlasEntry{
		ID:         id,
		Image:      image,
		Structures: make(map[string]*models.Volume, len(structures)),
	}
	for _, name := range structures {
		label, err := Load(filepath.Join(base, name+".npy"), spacing)
		if err != nil {
			return nil, fmt.Errorf("atlas %s: %w", id, err)
		}
		if err := image.CheckGrid(label); err != nil {
			return nil, fmt.Errorf("atlas %s structure %s: %w", id, name, err)
		}
		entry.Structures[name] = label
	}
	return entry, nil
}

// LoadPool loads the atlases named by ids, or every atlas found in dir when
// ids is empty
func LoadPool(dir string, ids, structures []string, spacing models.VoxelSize) (models.AtlasPool, error) {
	if len(ids) == 0 {
		found, err := ListAtlases(dir)
		if err != nil {
			return nil, fmt.Errorf("list atlases: %w", err)
		}
		ids = found
	}

	entries := make([]*models.AtlasEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := LoadAtlas(dir, id, structures, spacing)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return models.NewAtlasPool(entries...)
}
