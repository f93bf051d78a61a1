package report

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasseg/pkg/calibration"
	"atlasseg/pkg/metrics"
)

func sampleRows() []metrics.Comparison {
	return []metrics.Comparison{
		{Structure: "HEART", DSC: 0.91234, MeanSurfaceDistance: 1.5, HausdorffDistance: 7.25,
			Volume: metrics.Volume{VolumeOverlap: 512.5}},
		{Structure: "LUNG_L", DSC: math.NaN(), MeanSurfaceDistance: 0, HausdorffDistance: 0},
	}
}

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRows()))

	expected := "struct,dsc,masd,hd\n" +
		"HEART,0.9123,1.5000,7.2500\n" +
		"LUNG_L,NaN,0.0000,0.0000\n"
	assert.Equal(t, expected, buf.String())
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "case1.csv")
	require.NoError(t, WriteCSVFile(path, sampleRows()[:1]))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "struct,dsc,masd,hd\nHEART,0.9123,1.5000,7.2500\n", string(data))
}

func TestRecordComparisons(t *testing.T) {
	s := tempStore(t)

	runID, err := s.RecordComparisons("case-1", sampleRows())
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	_, err = s.RecordComparisons("case-2", sampleRows()[:1])
	require.NoError(t, err)

	records, err := s.Comparisons("case-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, runID, records[0].RunID)
	assert.Equal(t, "HEART", records[0].Structure)
	assert.Equal(t, 0.91234, records[0].DSC)
	assert.Equal(t, 7.25, records[0].HausdorffDistance)
	assert.Equal(t, 512.5, records[0].VolumeOverlap)
	assert.False(t, records[0].CreatedAt.IsZero())

	assert.Equal(t, "LUNG_L", records[1].Structure)
	assert.True(t, math.IsNaN(records[1].DSC))

	none, err := s.Comparisons("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordCalibration(t *testing.T) {
	s := tempStore(t)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	metric := func(_ context.Context, delta float64) (float64, error) { return delta, nil }
	res, err := calibration.Search(context.Background(), metric, 0.12, calibration.DefaultOptions())
	require.NoError(t, err)

	first, err := s.RecordCalibration("HEART", 0.4, 0.12, calibration.Minimise, res)
	require.NoError(t, err)
	second, err := s.RecordCalibration("HEART", 0.45, 0.12, calibration.Minimise, calibration.Result{})
	require.NoError(t, err)

	records, err := s.Calibrations("HEART")
	require.NoError(t, err)
	require.Len(t, records, 2)

	rec := records[0]
	assert.Equal(t, first, rec.RunID)
	assert.Equal(t, 0.4, rec.POptimal)
	assert.Equal(t, calibration.Minimise, rec.MetricType)
	assert.Equal(t, res.Best, rec.Best)
	assert.Equal(t, len(res.Rounds), rec.Rounds)
	assert.Equal(t, res.Converged, rec.Converged)
	assert.Equal(t, len(res.History), rec.Trials)

	assert.Equal(t, second, records[1].RunID)
	assert.Zero(t, records[1].Trials)
	assert.False(t, records[1].Converged)

	other, err := s.Calibrations("LUNG_L")
	require.NoError(t, err)
	assert.Empty(t, other)
}
