// Package report persists segmentation results: the per-structure comparison
// table as CSV and a SQLite ledger of comparison and calibration runs.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"atlasseg/pkg/metrics"
)

// Header is the column row of the comparison table
var Header = []string{"struct", "dsc", "masd", "hd"}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// WriteCSV writes one row per comparison, in the given order
func WriteCSV(w io.Writer, rows []metrics.Comparison) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Structure,
			formatFloat(r.DSC),
			formatFloat(r.MeanSurfaceDistance),
			formatFloat(r.HausdorffDistance),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the comparison table to path, creating its directory
func WriteCSVFile(path string, rows []metrics.Comparison) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
