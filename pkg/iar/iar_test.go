package iar

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasseg/internal/models"
	"atlasseg/internal/synthetic"
)

// fixedConsensus returns preset statistics for whichever atlases remain
type fixedConsensus map[string]float64

func (f fixedConsensus) Statistics(_ context.Context, labels map[string]*models.Volume) (map[string]float64, error) {
	out := make(map[string]float64, len(labels))
	for id := range labels {
		out[id] = f[id]
	}
	return out, nil
}

func stubPool(t *testing.T, ids ...string) models.AtlasPool {
	t.Helper()
	label := synthetic.Sphere(6, 3, 3, 3, 2)
	entries := make([]*models.AtlasEntry, len(ids))
	for i, id := range ids {
		entries[i] = &models.AtlasEntry{
			ID:    id,
			Rigid: &models.RigidStage{Structures: map[string]*models.Volume{"HEART": label}},
		}
	}
	pool, err := models.NewAtlasPool(entries...)
	require.NoError(t, err)
	return pool
}

func stubOptions(stats fixedConsensus) Options {
	opts := DefaultOptions()
	opts.ReferenceStructure = "HEART"
	opts.Consensus = stats
	return opts
}

func TestRunHugeFactorLeavesPoolUnchanged(t *testing.T) {
	stats := fixedConsensus{"a": 1, "b": 2, "c": 3, "d": 4, "e": 100}
	pool := stubPool(t, "a", "b", "c", "d", "e")

	opts := stubOptions(stats)
	opts.OutlierFactor = 1e9
	opts.MinBestAtlases = 1

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	assert.Equal(t, pool.IDs(), result.Pool.IDs())
	assert.True(t, result.Converged)
	assert.Len(t, result.Rounds, 1)
	assert.Empty(t, result.Removed())
}

func TestRunRemovesZScoreOutlier(t *testing.T) {
	stats := fixedConsensus{"a": 1.0, "b": 1.1, "c": 0.9, "d": 1.05, "e": 0.95, "f": 10}
	pool := stubPool(t, "a", "b", "c", "d", "e", "f")

	opts := stubOptions(stats)
	opts.OutlierMethod = ZScore
	opts.ZScoreStatistic = MAD
	opts.OutlierFactor = 3
	opts.MinBestAtlases = 3

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, result.Pool.IDs())
	assert.Equal(t, []string{"f"}, result.Removed())
	assert.True(t, result.Converged)
	require.Len(t, result.Rounds, 2)
	assert.Equal(t, []string{"f"}, result.Rounds[0].Removed)
	assert.Empty(t, result.Rounds[1].Removed)

	assert.Len(t, pool, 6, "input pool must not be modified")
}

func TestRunRemovesOutlierWithClassicStatistics(t *testing.T) {
	stats := fixedConsensus{}
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("atlas-%02d", i)
		stats[ids[i]] = 1
	}
	stats["atlas-07"] = 10
	pool := stubPool(t, ids...)

	opts := stubOptions(stats)
	opts.OutlierMethod = ZScore
	opts.ZScoreStatistic = STD
	opts.OutlierFactor = 3

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"atlas-07"}, result.Removed())
	assert.Len(t, result.Pool, 19)
	assert.True(t, result.Converged)
}

func TestRunRespectsFloor(t *testing.T) {
	stats := fixedConsensus{"a": 1, "b": 1.01, "c": 0.99, "d": 50, "e": 60}
	pool := stubPool(t, "a", "b", "c", "d", "e")

	opts := stubOptions(stats)
	opts.OutlierMethod = ZScore
	opts.ZScoreStatistic = MAD
	opts.OutlierFactor = 2
	opts.MinBestAtlases = 4

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	assert.Len(t, result.Pool, 5)
	assert.True(t, result.StoppedAtFloor)
	assert.False(t, result.Converged)
	require.Len(t, result.Rounds, 1)
	assert.Equal(t, []string{"d", "e"}, result.Rounds[0].Flagged)
	assert.Empty(t, result.Rounds[0].Removed)
}

func TestRunDegeneratePool(t *testing.T) {
	pool := stubPool(t, "a", "b", "c")
	opts := stubOptions(fixedConsensus{})
	opts.MinBestAtlases = 10

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	assert.True(t, result.Degenerate)
	assert.Equal(t, pool.IDs(), result.Pool.IDs())
	assert.Empty(t, result.Rounds)
}

func TestRunSingleStep(t *testing.T) {
	stats := fixedConsensus{"a": 1.0, "b": 1.1, "c": 0.9, "d": 1.05, "e": 0.95, "f": 10}
	pool := stubPool(t, "a", "b", "c", "d", "e", "f")

	opts := stubOptions(stats)
	opts.OutlierMethod = ZScore
	opts.OutlierFactor = 3
	opts.MinBestAtlases = 3
	opts.SingleStep = true

	result, err := Run(context.Background(), pool, opts)
	require.NoError(t, err)
	require.Len(t, result.Rounds, 1)
	assert.Equal(t, []string{"f"}, result.Rounds[0].Removed)
	assert.False(t, result.Converged)
}

func TestRunErrors(t *testing.T) {
	pool := stubPool(t, "a", "b")
	opts := stubOptions(fixedConsensus{})
	opts.MinBestAtlases = 1

	opts.ReferenceStructure = ""
	_, err := Run(context.Background(), pool, opts)
	assert.ErrorIs(t, err, ErrNoReference)

	opts.ReferenceStructure = "HEART"
	unregistered := models.AtlasPool{"x": {ID: "x"}}
	_, err = Run(context.Background(), unregistered, opts)
	assert.ErrorIs(t, err, models.ErrStageMissing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, pool, opts)
	assert.ErrorIs(t, err, context.Canceled)
}
