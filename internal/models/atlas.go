package models

import (
	"errors"
	"fmt"
	"sort"
)

// ErrStageMissing is returned when a stage product is requested before the
// registration stage that produces it has run
var ErrStageMissing = errors.New("atlas stage has not been produced")

// Transform is an opaque geometric transform produced by a registration
// engine. Only the engine that created it knows how to apply it.
type Transform interface {
	// Kind names the transform family (e.g. "rigid", "displacement")
	Kind() string
}

// RigidStage holds the products of the rigid (or affine) registration of an
// atlas onto the target
type RigidStage struct {
	Image      *Volume
	Transform  Transform
	Structures map[string]*Volume
}

// DeformableStage holds the products of the deformable registration that
// follows the rigid stage
type DeformableStage struct {
	Image      *Volume
	Field      Transform
	Structures map[string]*Volume
}

// AtlasEntry is one labeled reference volume together with everything derived
// from it while it is carried through the pipeline.
//
// Stage fields are nil until the producing stage has executed; use the
// accessor methods rather than reaching into them directly.
type AtlasEntry struct {
	// ID uniquely identifies the atlas inside a pool
	ID string

	// Image is the original atlas CT volume
	Image *Volume

	// Structures maps a structure name to the atlas' own label volume
	Structures map[string]*Volume

	// Rigid is set after rigid registration and label propagation
	Rigid *RigidStage

	// Deformable is set after deformable registration and label propagation
	Deformable *DeformableStage

	// WeightMap is the per-voxel confidence in this atlas, on the target grid
	WeightMap *Volume
}

// RegisteredImage returns the atlas image from the latest registration stage
func (a *AtlasEntry) RegisteredImage() (*Volume, error) {
	switch {
	case a.Deformable != nil:
		return a.Deformable.Image, nil
	case a.Rigid != nil:
		return a.Rigid.Image, nil
	}
	return nil, fmt.Errorf("atlas %s: registered image: %w", a.ID, ErrStageMissing)
}

// Propagated returns the structures from the latest registration stage, i.e.
// the labels carried onto the target grid
func (a *AtlasEntry) Propagated() (map[string]*Volume, error) {
	switch {
	case a.Deformable != nil:
		return a.Deformable.Structures, nil
	case a.Rigid != nil:
		return a.Rigid.Structures, nil
	}
	return nil, fmt.Errorf("atlas %s: propagated labels: %w", a.ID, ErrStageMissing)
}

// PropagatedStructure returns a single propagated label volume
func (a *AtlasEntry) PropagatedStructure(name string) (*Volume, error) {
	structures, err := a.Propagated()
	if err != nil {
		return nil, err
	}
	label, ok := structures[name]
	if !ok {
		return nil, fmt.Errorf("atlas %s has no structure %q", a.ID, name)
	}
	return label, nil
}

// Weight returns the atlas weight map or ErrStageMissing when none was computed
func (a *AtlasEntry) Weight() (*Volume, error) {
	if a.WeightMap == nil {
		return nil, fmt.Errorf("atlas %s: weight map: %w", a.ID, ErrStageMissing)
	}
	return a.WeightMap, nil
}

// AtlasPool maps atlas id to its entry. Keys are unique by construction.
type AtlasPool map[string]*AtlasEntry

// NewAtlasPool builds a pool from entries, rejecting duplicate ids
func NewAtlasPool(entries ...*AtlasEntry) (AtlasPool, error) {
	pool := make(AtlasPool, len(entries))
	for _, e := range entries {
		if _, exists := pool[e.ID]; exists {
			return nil, fmt.Errorf("duplicate atlas id %q", e.ID)
		}
		pool[e.ID] = e
	}
	return pool, nil
}

// IDs returns the atlas ids in sorted order
func (p AtlasPool) IDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns the entries ordered by id
func (p AtlasPool) Entries() []*AtlasEntry {
	entries := make([]*AtlasEntry, 0, len(p))
	for _, id := range p.IDs() {
		entries = append(entries, p[id])
	}
	return entries
}

// Clone returns a new map holding the same entries. The entries themselves
// are shared.
func (p AtlasPool) Clone() AtlasPool {
	out := make(AtlasPool, len(p))
	for id, e := range p {
		out[id] = e
	}
	return out
}

// Without returns a new pool with the given ids removed
func (p AtlasPool) Without(ids ...string) AtlasPool {
	out := p.Clone()
	for _, id := range ids {
		delete(out, id)
	}
	return out
}
