// Package segmentation runs multi-atlas segmentation of a target image end
// to end.
//
// The pipeline consists of several steps:
//  1. Automatic cropping of the target around the region covered by a few
//     quickly registered atlases
//  2. Rigid registration of every atlas and propagation of its structures
//  3. Deformable refinement of the rigid stage
//  4. Iterative atlas removal on a reference structure
//  5. Weight map computation and weighted label fusion
//  6. Thresholding and pasting the result back onto the full target grid
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"atlasseg/internal/logger"
	"atlasseg/internal/models"
	"atlasseg/internal/telemetry"
	"atlasseg/pkg/fusion"
	"atlasseg/pkg/geometry"
	"atlasseg/pkg/iar"
	"atlasseg/pkg/registration"
	"atlasseg/pkg/visualization"
	"atlasseg/pkg/weightmap"
)

var (
	// ErrNoTarget is returned when Params.Target is nil
	ErrNoTarget = errors.New("segmentation: no target image")

	// ErrNoAtlases is returned when the atlas pool is empty
	ErrNoAtlases = errors.New("segmentation: empty atlas pool")

	// ErrNoStructures is returned when no structure is requested
	ErrNoStructures = errors.New("segmentation: no structures requested")
)

// DefaultThreshold is the probability threshold used for structures without
// a calibrated optimum
const DefaultThreshold = 0.5

// AutoCropParams controls the automatic region of interest
type AutoCropParams struct {
	Enabled bool

	// MaxAtlases bounds how many atlases are registered to find the region
	MaxAtlases int

	// Expansion grows the bounding box by this many voxels on every side
	Expansion int

	// ExtentThreshold is the summed registered intensity above which a voxel
	// counts as covered
	ExtentThreshold float64

	// Rigid holds the (usually coarse) registration settings of this step
	Rigid registration.RigidOptions
}

// Params holds the inputs and settings of one segmentation
type Params struct {
	// Target is the image to segment
	Target *models.Volume

	// Atlases holds the unregistered atlas images and their structures
	Atlases models.AtlasPool

	// Structures lists the structures to fuse and threshold
	Structures []string

	AutoCrop AutoCropParams

	// Registration configures the rigid and deformable stages
	Registration registration.PoolOptions

	// Deformable enables the deformable stage
	Deformable bool

	// IAREnabled turns on iterative atlas removal using IAR
	IAREnabled bool
	IAR        iar.Options

	Weights weightmap.Options

	// Thresholds maps a structure to its optimal probability threshold
	Thresholds map[string]float64

	// NumWorkers bounds the goroutines of every parallel stage
	NumWorkers int

	// SaveIntermediaryResults writes JPEG slices of the probability volumes
	// and masks into IntermediaryDir
	SaveIntermediaryResults bool
	IntermediaryDir         string
}

// Results holds the outcome of Process
type Results struct {
	RunID string

	// CropRegion is the region of the target that was segmented; it covers
	// the whole target when auto-cropping is off
	CropRegion models.Region
	Cropped    bool

	// IAR is the removal report; empty when removal is disabled
	IAR iar.Result

	// Pool is the atlas pool used for fusion
	Pool models.AtlasPool

	// Probabilities and Masks are on the full target grid
	Probabilities map[string]*models.Volume
	Masks         map[string]*models.Volume
	Thresholds    map[string]float64

	Elapsed time.Duration
}

// Segmenter handles the segmentation process of one target
type Segmenter struct {
	params   *Params
	engine   registration.Engine
	measurer geometry.Measurer
	log      zerolog.Logger

	results Results
}

// NewSegmenter creates a segmenter. A nil measurer selects the KD-tree
// implementation.
func NewSegmenter(params *Params, engine registration.Engine, measurer geometry.Measurer, log zerolog.Logger) *Segmenter {
	if measurer == nil {
		measurer = geometry.NewKDTreeMeasurer()
	}
	return &Segmenter{
		params:   params,
		engine:   engine,
		measurer: measurer,
		log:      logger.Component(log, "segmentation"),
	}
}

// Results returns the outcome of the last successful Process call
func (s *Segmenter) Results() Results {
	return s.results
}

func (s *Segmenter) validate() error {
	p := s.params
	switch {
	case p.Target == nil:
		return ErrNoTarget
	case len(p.Atlases) == 0:
		return ErrNoAtlases
	case len(p.Structures) == 0:
		return ErrNoStructures
	}
	return nil
}

// Process runs the complete segmentation pipeline
func (s *Segmenter) Process(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	start := time.Now()
	defer telemetry.ObserveStage("segmentation", start)

	p := s.params
	runID := uuid.NewString()
	log := s.log.With().Str("run", runID).Logger()
	results := Results{RunID: runID}

	regOpts := p.Registration
	regOpts.Workers = p.NumWorkers
	regOpts.Logger = logger.Component(log, "registration")

	// Step 1: Automatic cropping
	target := p.Target
	results.CropRegion = models.Region{Size: [3]int{target.Width, target.Height, target.Depth}}
	if p.AutoCrop.Enabled {
		log.Info().Msg("Step 1: Automatic cropping...")
		cropped, region, err := s.autoCrop(ctx, regOpts)
		if err != nil {
			return fmt.Errorf("auto crop: %w", err)
		}
		target = cropped
		results.CropRegion = region
		results.Cropped = true
		log.Info().Ints("index", region.Index[:]).Ints("size", region.Size[:]).Msg("target cropped")
	}

	// Step 2: Rigid registration and label propagation
	log.Info().Int("atlases", len(p.Atlases)).Msg("Step 2: Rigid registration...")
	pool, err := registration.RegisterRigid(ctx, s.engine, target, p.Atlases, regOpts)
	if err != nil {
		return fmt.Errorf("rigid registration: %w", err)
	}

	// Step 3: Deformable registration
	if p.Deformable {
		log.Info().Msg("Step 3: Deformable registration...")
		pool, err = registration.RegisterDeformable(ctx, s.engine, target, pool, regOpts)
		if err != nil {
			return fmt.Errorf("deformable registration: %w", err)
		}
	}

	// Step 4: Iterative atlas removal
	if p.IAREnabled {
		log.Info().Str("reference", p.IAR.ReferenceStructure).Msg("Step 4: Iterative atlas removal...")
		opts := p.IAR
		if opts.Workers == 0 {
			opts.Workers = p.NumWorkers
		}
		if opts.Measurer == nil {
			opts.Measurer = s.measurer
		}
		opts.Logger = logger.Component(log, "iar")

		res, err := iar.Run(ctx, pool, opts)
		if err != nil {
			return fmt.Errorf("iterative atlas removal: %w", err)
		}
		results.IAR = res
		pool = res.Pool
	}

	// Step 5: Weight maps and label fusion
	log.Info().Str("voteType", string(p.Weights.VoteType)).Msg("Step 5: Label fusion...")
	pool, err = weightmap.ComputePool(ctx, target, pool, p.Weights, p.NumWorkers)
	if err != nil {
		return fmt.Errorf("weight maps: %w", err)
	}
	results.Pool = pool

	probabilities, err := fusion.FuseAll(ctx, target, pool, p.Structures, p.NumWorkers)
	if err != nil {
		return fmt.Errorf("label fusion: %w", err)
	}

	// Step 6: Threshold and paste back into the full image
	log.Info().Msg("Step 6: Thresholding...")
	results.Probabilities = make(map[string]*models.Volume, len(probabilities))
	results.Masks = make(map[string]*models.Volume, len(probabilities))
	results.Thresholds = make(map[string]float64, len(probabilities))
	template := models.NewVolumeLike(p.Target)

	for _, name := range sortedNames(probabilities) {
		threshold := DefaultThreshold
		if t, ok := p.Thresholds[name]; ok {
			threshold = t
		}
		prob := probabilities[name]
		mask := fusion.Threshold(prob, threshold)
		if results.Cropped {
			prob = prob.PasteInto(template, results.CropRegion.Index)
			mask = mask.PasteInto(template, results.CropRegion.Index)
		}
		results.Probabilities[name] = prob
		results.Masks[name] = mask
		results.Thresholds[name] = threshold
		log.Info().Str("structure", name).Float64("threshold", threshold).Int("voxels", mask.Count()).Msg("structure segmented")
	}

	if p.SaveIntermediaryResults {
		s.saveIntermediary(log, "probability", results.Probabilities)
		s.saveIntermediary(log, "mask", results.Masks)
	}

	results.Elapsed = time.Since(start)
	s.results = results
	log.Info().Dur("elapsed", results.Elapsed).Int("atlases", len(results.Pool)).Msg("segmentation complete")
	return nil
}

// autoCrop registers up to MaxAtlases atlases onto the full target, takes the
// bounding box of their combined extent, expands it and crops the target
func (s *Segmenter) autoCrop(ctx context.Context, regOpts registration.PoolOptions) (*models.Volume, models.Region, error) {
	p := s.params
	limit := p.AutoCrop.MaxAtlases
	if limit <= 0 {
		limit = 5
	}
	ids := p.Atlases.IDs()
	if len(ids) > limit {
		ids = ids[:limit]
	}
	subset := make(models.AtlasPool, len(ids))
	for _, id := range ids {
		// structures are not needed to find the extent
		entry := *p.Atlases[id]
		entry.Structures = nil
		subset[id] = &entry
	}

	quick := regOpts
	quick.Rigid = p.AutoCrop.Rigid
	quick.GuideStructure = ""
	registered, err := registration.RegisterRigid(ctx, s.engine, p.Target, subset, quick)
	if err != nil {
		return nil, models.Region{}, err
	}

	combined := models.NewVolumeLike(p.Target)
	for _, entry := range registered.Entries() {
		for i, v := range entry.Rigid.Image.Data {
			combined.Data[i] += v
		}
	}
	extent := models.NewVolumeLike(combined)
	for i, v := range combined.Data {
		if v > p.AutoCrop.ExtentThreshold {
			extent.Data[i] = 1
		}
	}

	box, err := s.measurer.BoundingBox(extent)
	if err != nil {
		return nil, models.Region{}, fmt.Errorf("combined atlas extent: %w", err)
	}
	t := p.Target
	region := box.Expand(p.AutoCrop.Expansion, t.Width, t.Height, t.Depth)
	cropped, err := t.Crop(region)
	if err != nil {
		return nil, models.Region{}, err
	}
	return cropped, region, nil
}

// saveIntermediary writes the axial slices of every volume; failures are
// logged and do not abort the run
func (s *Segmenter) saveIntermediary(log zerolog.Logger, stage string, volumes map[string]*models.Volume) {
	for _, name := range sortedNames(volumes) {
		dir := filepath.Join(s.params.IntermediaryDir, stage, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to create intermediary directory")
			return
		}
		viewer := visualization.NewViewer(volumes[name], 1)
		if _, err := viewer.SaveSliceSequence("z", dir, name); err != nil {
			log.Warn().Err(err).Str("structure", name).Str("stage", stage).Msg("failed to save intermediary slices")
		}
	}
}

func sortedNames(volumes map[string]*models.Volume) []string {
	names := make([]string, 0, len(volumes))
	for name := range volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
