package iar

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasseg/internal/models"
	"atlasseg/internal/synthetic"
	"atlasseg/pkg/geometry"
)

// spherePool builds five identical atlases plus one odd one
func spherePool(t *testing.T, odd *models.Volume, size int, radius float64) models.AtlasPool {
	t.Helper()
	c := float64(size) / 2
	entries := make([]*models.AtlasEntry, 0, 6)
	for i := 0; i < 5; i++ {
		entries = append(entries, &models.AtlasEntry{
			ID: fmt.Sprintf("atlas-%d", i),
			Rigid: &models.RigidStage{Structures: map[string]*models.Volume{
				"HEART": synthetic.Sphere(size, c, c, c, radius),
			}},
		})
	}
	entries = append(entries, &models.AtlasEntry{
		ID:    "odd",
		Rigid: &models.RigidStage{Structures: map[string]*models.Volume{"HEART": odd}},
	})
	pool, err := models.NewAtlasPool(entries...)
	require.NoError(t, err)
	return pool
}

func labelsOf(t *testing.T, pool models.AtlasPool) map[string]*models.Volume {
	t.Helper()
	labels := make(map[string]*models.Volume, len(pool))
	for id, entry := range pool {
		label, err := entry.PropagatedStructure("HEART")
		require.NoError(t, err)
		labels[id] = label
	}
	return labels
}

func TestDistanceMapConsensusScoresShiftedAtlasHighest(t *testing.T) {
	pool := spherePool(t, synthetic.Sphere(16, 12, 8, 8, 3), 16, 3)
	c := DistanceMapConsensus{Measurer: geometry.NewKDTreeMeasurer(), Workers: 2}

	stats, err := c.Statistics(context.Background(), labelsOf(t, pool))
	require.NoError(t, err)
	require.Len(t, stats, 6)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("atlas-%d", i)
		assert.Greater(t, stats["odd"], stats[id])
		assert.Equal(t, stats["atlas-0"], stats[id])
	}
}

func TestDistanceMapConsensusSmoothed(t *testing.T) {
	pool := spherePool(t, synthetic.Sphere(16, 12, 8, 8, 3), 16, 3)
	c := DistanceMapConsensus{Measurer: geometry.NewKDTreeMeasurer(), SmoothSigma: 1}

	stats, err := c.Statistics(context.Background(), labelsOf(t, pool))
	require.NoError(t, err)
	assert.Greater(t, stats["odd"], stats["atlas-0"])
}

func TestDistanceMapConsensusEmptyLabel(t *testing.T) {
	labels := map[string]*models.Volume{
		"a": synthetic.Sphere(8, 4, 4, 4, 2),
		"b": models.NewVolume(8, 8, 8, synthetic.UnitSpacing),
	}
	_, err := DistanceMapConsensus{Measurer: geometry.NewKDTreeMeasurer()}.Statistics(context.Background(), labels)
	assert.ErrorIs(t, err, geometry.ErrEmptyMask)
}

func TestSphericalConsensusScoresLargerAtlasHighest(t *testing.T) {
	pool := spherePool(t, synthetic.Sphere(22, 11, 11, 11, 7), 22, 5)
	c := SphericalConsensus{Measurer: geometry.NewKDTreeMeasurer()}

	stats, err := c.Statistics(context.Background(), labelsOf(t, pool))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Greater(t, stats["odd"], stats[fmt.Sprintf("atlas-%d", i)])
	}
}

func TestSphericalConsensusGridMismatch(t *testing.T) {
	labels := map[string]*models.Volume{
		"a": synthetic.Sphere(12, 6, 6, 6, 3),
		"b": synthetic.Sphere(14, 7, 7, 7, 3),
	}
	c := SphericalConsensus{Measurer: geometry.NewKDTreeMeasurer()}
	_, err := c.Statistics(context.Background(), labels)
	assert.ErrorIs(t, err, models.ErrGridMismatch)
}

func TestRunRemovesShiftedAtlas(t *testing.T) {
	pool := spherePool(t, synthetic.Sphere(16, 12, 8, 8, 3), 16, 3)

	opts := DefaultOptions()
	opts.ReferenceStructure = "HEART"
	opts.OutlierMethod = IQR
	opts.OutlierFactor = 1.5
	opts.MinBestAtlases = 3
	opts.Workers = 2

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"odd"}, result.Removed())
	assert.Len(t, result.Pool, 5)
	assert.True(t, result.Converged)
}
