package registration

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"atlasseg/internal/models"
	"atlasseg/internal/telemetry"
)

// PoolOptions configures registration of a whole atlas pool
type PoolOptions struct {
	// Workers bounds concurrent registrations; zero means runtime.NumCPU()
	Workers int

	Rigid      RigidOptions
	Deformable DeformableOptions

	// GuideStructure, when set, is passed to the rigid stage as the moving
	// structure guiding the alignment
	GuideStructure string

	Logger zerolog.Logger
}

func (o PoolOptions) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

// atlasStep transforms one entry into a new one; it must not modify its input
type atlasStep func(ctx context.Context, entry *models.AtlasEntry) (*models.AtlasEntry, error)

// forEachAtlas runs step on every entry across a bounded pool of goroutines
// and joins all results before returning. The input pool is left untouched.
func forEachAtlas(ctx context.Context, pool models.AtlasPool, workers int, step atlasStep) (models.AtlasPool, error) {
	entries := pool.Entries()
	results := make([]*models.AtlasEntry, len(entries))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			out, err := step(gCtx, entry)
			if err != nil {
				return fmt.Errorf("atlas %s: %w", entry.ID, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return models.NewAtlasPool(results...)
}

// RegisterRigid registers every atlas image onto target and propagates all of
// its structures through the resulting transform
func RegisterRigid(ctx context.Context, engine Engine, target *models.Volume, pool models.AtlasPool, opts PoolOptions) (models.AtlasPool, error) {
	start := time.Now()
	defer telemetry.ObserveStage("rigid_registration", start)

	out, err := forEachAtlas(ctx, pool, opts.workers(), func(ctx context.Context, entry *models.AtlasEntry) (*models.AtlasEntry, error) {
		var guide *models.Volume
		if opts.GuideStructure != "" {
			guide = entry.Structures[opts.GuideStructure]
		}

		image, tfm, err := engine.Register(ctx, target, entry.Image, guide, opts.Rigid)
		if err != nil {
			return nil, fmt.Errorf("rigid registration: %w", err)
		}

		structures := make(map[string]*models.Volume, len(entry.Structures))
		for name, label := range entry.Structures {
			propagated, err := engine.Propagate(ctx, tfm, label)
			if err != nil {
				return nil, fmt.Errorf("propagate %s: %w", name, err)
			}
			structures[name] = propagated
		}

		next := *entry
		next.Rigid = &models.RigidStage{Image: image, Transform: tfm, Structures: structures}
		opts.Logger.Debug().Str("atlas", entry.ID).Str("transform", tfm.Kind()).Msg("rigid registration complete")
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	opts.Logger.Info().Int("atlases", len(out)).Dur("elapsed", time.Since(start)).Msg("rigid stage complete")
	return out, nil
}

// RegisterDeformable refines the rigid stage of every atlas with deformable
// registration and propagates the rigid-stage structures through the field
func RegisterDeformable(ctx context.Context, engine Engine, target *models.Volume, pool models.AtlasPool, opts PoolOptions) (models.AtlasPool, error) {
	start := time.Now()
	defer telemetry.ObserveStage("deformable_registration", start)

	out, err := forEachAtlas(ctx, pool, opts.workers(), func(ctx context.Context, entry *models.AtlasEntry) (*models.AtlasEntry, error) {
		if entry.Rigid == nil {
			return nil, fmt.Errorf("deformable registration: %w", models.ErrStageMissing)
		}

		image, field, err := engine.DeformableRegister(ctx, target, entry.Rigid.Image, opts.Deformable)
		if err != nil {
			return nil, fmt.Errorf("deformable registration: %w", err)
		}

		structures := make(map[string]*models.Volume, len(entry.Rigid.Structures))
		for name, label := range entry.Rigid.Structures {
			propagated, err := engine.Propagate(ctx, field, label)
			if err != nil {
				return nil, fmt.Errorf("apply field to %s: %w", name, err)
			}
			structures[name] = propagated
		}

		next := *entry
		next.Deformable = &models.DeformableStage{Image: image, Field: field, Structures: structures}
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	opts.Logger.Info().Int("atlases", len(out)).Dur("elapsed", time.Since(start)).Msg("deformable stage complete")
	return out, nil
}
