package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"atlasseg/pkg/geometry"
	"atlasseg/pkg/metrics"
	"atlasseg/pkg/report"
	"atlasseg/pkg/volumeio"
)

var (
	manualDir         string
	autoDir           string
	compareStructures []string
	csvPath           string
	dbPath            string
	caseID            string
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare automatic segmentations against manual ones",
	Long: `Compare automatic segmentations against manual ones.

Manual labels are read as <manual>/<STRUCT>.npy and automatic ones as
<auto>/<STRUCT>_AUTO.npy. One row {struct, dsc, masd, hd} is printed per
structure and optionally written to a CSV file and a SQLite ledger.`,
	Args: cobra.NoArgs,
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVar(&manualDir, "manual", "", "directory holding the manual labels")
	compareCmd.Flags().StringVar(&autoDir, "auto", "", "directory holding the automatic labels")
	compareCmd.Flags().StringSliceVar(&compareStructures, "structures", nil, "structures to compare (defaults to atlas.structures)")
	compareCmd.Flags().StringVar(&csvPath, "csv", "", "write the comparison table to this CSV file")
	compareCmd.Flags().StringVar(&dbPath, "db", "", "record the comparison in this SQLite ledger")
	compareCmd.Flags().StringVar(&caseID, "case", "", "case id stored in the ledger (defaults to the --auto directory name)")
	_ = compareCmd.MarkFlagRequired("manual")
	_ = compareCmd.MarkFlagRequired("auto")
}

func runCompare(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	vs, err := voxelSpacing()
	if err != nil {
		return err
	}
	structures := compareStructures
	if len(structures) == 0 {
		structures = cfg.Atlas.Structures
	}

	measurer := geometry.NewKDTreeMeasurer()
	rows := make([]metrics.Comparison, 0, len(structures))
	for _, name := range structures {
		manual, err := volumeio.Load(filepath.Join(manualDir, name+".npy"), vs)
		if err != nil {
			return fmt.Errorf("manual %s: %w", name, err)
		}
		auto, err := volumeio.Load(filepath.Join(autoDir, name+"_AUTO.npy"), vs)
		if err != nil {
			return fmt.Errorf("auto %s: %w", name, err)
		}
		row, err := metrics.Compare(name, manual, auto, measurer)
		if err != nil {
			return err
		}
		log.Debug().Str("structure", name).Float64("dsc", row.DSC).Msg("structure compared")
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-12s %8s %8s %8s\n", "struct", "dsc", "masd", "hd")
	for _, r := range rows {
		fmt.Fprintf(out, "%-12s %8.4f %8.4f %8.4f\n", r.Structure, r.DSC, r.MeanSurfaceDistance, r.HausdorffDistance)
	}

	if csvPath != "" {
		if err := report.WriteCSVFile(csvPath, rows); err != nil {
			return err
		}
		fmt.Fprintf(out, "Report saved to: %s\n", csvPath)
	}

	if dbPath != "" {
		id := caseID
		if id == "" {
			id = filepath.Base(filepath.Clean(autoDir))
		}
		store, err := report.NewStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		runID, err := store.RecordComparisons(id, rows)
		if err != nil {
			return err
		}
		log.Info().Str("run", runID).Str("case", id).Msg("comparison recorded")
	}
	return nil
}
