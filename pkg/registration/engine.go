// Package registration defines the boundary to the spatial transform engine
// (rigid/affine and deformable registration plus label propagation) and runs
// per-atlas registration across a bounded worker pool.
package registration

import (
	"context"
	"fmt"

	"atlasseg/internal/models"
)

// Method selects the family of the initial registration
type Method string

const (
	Translation Method = "Translation"
	Rigid       Method = "Rigid"
	Affine      Method = "Affine"
)

// RigidOptions mirrors the multi-resolution settings of the initial registration
type RigidOptions struct {
	Method        Method
	ShrinkFactors []int
	SmoothSigmas  []float64
	SamplingRate  float64
}

// DeformableOptions holds the staged multi-resolution demons settings
type DeformableOptions struct {
	ResolutionStaging []float64
	IterationStaging  []int
}

// Engine is the spatial transform collaborator
type Engine interface {
	// Register aligns moving onto fixed, optionally guided by a structure of
	// the moving image, and returns the resampled image and the transform
	Register(ctx context.Context, fixed, moving, guide *models.Volume, opts RigidOptions) (*models.Volume, models.Transform, error)

	// Propagate carries a label volume through a transform produced by this engine
	Propagate(ctx context.Context, t models.Transform, label *models.Volume) (*models.Volume, error)

	// DeformableRegister runs deformable registration and returns the
	// deformed image and its displacement field
	DeformableRegister(ctx context.Context, fixed, moving *models.Volume, opts DeformableOptions) (*models.Volume, models.Transform, error)
}

// IdentityTransform is the transform returned by Identity. It carries the
// grid it resamples onto.
type IdentityTransform struct {
	kind      string
	reference *models.Volume
}

// Kind implements models.Transform
func (t IdentityTransform) Kind() string { return t.kind }

// Identity is an Engine for atlases already aligned with the target in
// physical space. Volumes pass through unchanged when grids match; a fixed
// grid lying inside the moving grid (a crop of it) is resampled by
// extracting that region. Any other grid is rejected.
type Identity struct{}

// resample maps moving onto the grid of fixed
func resample(fixed, moving *models.Volume) (*models.Volume, error) {
	if fixed.SameGrid(moving) {
		return moving.Clone(), nil
	}
	region, ok := fixed.RegionIn(moving)
	if !ok {
		return nil, fixed.CheckGrid(moving)
	}
	return moving.Crop(region)
}

// Register implements Engine
func (Identity) Register(ctx context.Context, fixed, moving, _ *models.Volume, opts RigidOptions) (*models.Volume, models.Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	image, err := resample(fixed, moving)
	if err != nil {
		return nil, nil, fmt.Errorf("identity registration: %w", err)
	}
	kind := string(opts.Method)
	if kind == "" {
		kind = string(Rigid)
	}
	return image, IdentityTransform{kind: kind, reference: models.NewVolumeLike(fixed)}, nil
}

// Propagate implements Engine
func (Identity) Propagate(ctx context.Context, t models.Transform, label *models.Volume) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tfm, ok := t.(IdentityTransform)
	if !ok {
		return nil, fmt.Errorf("identity engine cannot apply %T", t)
	}
	if tfm.reference == nil {
		return label.Clone(), nil
	}
	out, err := resample(tfm.reference, label)
	if err != nil {
		return nil, fmt.Errorf("identity propagation: %w", err)
	}
	return out, nil
}

// DeformableRegister implements Engine
func (Identity) DeformableRegister(ctx context.Context, fixed, moving *models.Volume, _ DeformableOptions) (*models.Volume, models.Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	image, err := resample(fixed, moving)
	if err != nil {
		return nil, nil, fmt.Errorf("identity deformable registration: %w", err)
	}
	return image, IdentityTransform{kind: "displacement", reference: models.NewVolumeLike(fixed)}, nil
}
