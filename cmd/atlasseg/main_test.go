package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasseg/internal/models"
	"atlasseg/internal/synthetic"
	"atlasseg/pkg/config"
	"atlasseg/pkg/report"
	"atlasseg/pkg/volumeio"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

// writeCase lays out an atlas directory, a target and its manual heart label
func writeCase(t *testing.T, dir string) *models.Volume {
	t.Helper()
	heart := synthetic.Sphere(20, 10, 10, 10, 4)
	image := synthetic.Intensity(heart, 100, 0)

	for i := 0; i < 4; i++ {
		atlas := filepath.Join(dir, "atlases", fmt.Sprintf("atlas-%d", i))
		require.NoError(t, volumeio.Save(filepath.Join(atlas, volumeio.ImageFile), image))
		require.NoError(t, volumeio.Save(filepath.Join(atlas, "HEART.npy"), heart))
	}
	require.NoError(t, volumeio.Save(filepath.Join(dir, "target.npy"), image))
	require.NoError(t, volumeio.Save(filepath.Join(dir, "manual", "HEART.npy"), heart))
	return heart
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	heart := writeCase(t, dir)
	cfgPath := filepath.Join(dir, "config.yaml")
	outDir := filepath.Join(dir, "out")
	dbFile := filepath.Join(dir, "ledger.db")

	out := execute(t, "init-config", "--config", cfgPath)
	assert.Contains(t, out, cfgPath)

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	cfg.Atlas.Path = filepath.Join(dir, "atlases")
	cfg.Atlas.Structures = []string{"HEART"}
	cfg.AutoCrop.Expansion = 1
	cfg.Processing.NumWorkers = 2
	cfg.Output.LogLevel = "error"
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	out = execute(t, "segment", "--config", cfgPath,
		"--target", filepath.Join(dir, "target.npy"),
		"--output", outDir,
		"--metrics-file", filepath.Join(dir, "atlasseg.prom"))
	assert.Contains(t, out, "HEART")

	mask, err := volumeio.Load(filepath.Join(outDir, "HEART_AUTO.npy"), synthetic.UnitSpacing)
	require.NoError(t, err)
	assert.Equal(t, heart.Data, mask.Data)
	_, err = os.Stat(filepath.Join(outDir, "HEART_PROBABILITY.npy"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "atlasseg.prom"))
	assert.NoError(t, err)

	csvFile := filepath.Join(dir, "report.csv")
	execute(t, "compare", "--config", cfgPath,
		"--manual", filepath.Join(dir, "manual"),
		"--auto", outDir,
		"--csv", csvFile,
		"--db", dbFile)
	data, err := os.ReadFile(csvFile)
	require.NoError(t, err)
	assert.Equal(t, "struct,dsc,masd,hd\nHEART,1.0000,0.0000,0.0000\n", string(data))

	out = execute(t, "calibrate", "--config", cfgPath,
		"--probability", filepath.Join(outDir, "HEART_PROBABILITY.npy"),
		"--reference", "0",
		"--structure", "HEART",
		"--db", dbFile)
	assert.Contains(t, out, "converged: true")

	store, err := report.NewStore(dbFile)
	require.NoError(t, err)
	defer store.Close()

	rows, err := store.Comparisons("out")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0].DSC)

	runs, err := store.Calibrations("HEART")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Converged)
	assert.Equal(t, 0.0, runs[0].Best.Objective)
}

func TestVoxelSpacing(t *testing.T) {
	defer func(saved []float64) { spacing = saved }(spacing)

	spacing = []float64{0.5, 0.5, 2}
	vs, err := voxelSpacing()
	require.NoError(t, err)
	assert.Equal(t, models.VoxelSize{X: 0.5, Y: 0.5, Z: 2}, vs)

	spacing = []float64{1, 1}
	_, err = voxelSpacing()
	assert.Error(t, err)

	spacing = []float64{1, 0, 1}
	_, err = voxelSpacing()
	assert.Error(t, err)
}
