package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"atlasseg/internal/logger"
	"atlasseg/pkg/calibration"
	"atlasseg/pkg/geometry"
	"atlasseg/pkg/report"
	"atlasseg/pkg/volumeio"
)

var (
	probabilityPath    string
	manualPath         string
	dosePath           string
	referenceValue     float64
	pOptimal           float64
	calibrateStructure string
	calibrateDB        string
	calibrateTimeout   time.Duration
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Search the probability band half-width matching a reference variation",
	Long: `Search the probability band half-width Δp around --p-optimal whose
band metric best matches a reference value.

By default the metric is the mean surface distance between the masks at
p-Δp and p+Δp. The reference is --reference, or the distance between the
inner and outer surfaces of --manual when given. With --dose the metric is
the mean dose variation across the band and --reference is required.`,
	Args: cobra.NoArgs,
	RunE: runCalibrate,
}

func init() {
	calibrateCmd.Flags().StringVar(&probabilityPath, "probability", "", "fused probability volume (.npy)")
	calibrateCmd.Flags().StringVar(&manualPath, "manual", "", "manual probability volume used to derive the reference MASD")
	calibrateCmd.Flags().StringVar(&dosePath, "dose", "", "dose volume (.npy); switches to the dose variation metric")
	calibrateCmd.Flags().Float64Var(&referenceValue, "reference", 0, "reference metric value")
	calibrateCmd.Flags().Float64Var(&pOptimal, "p-optimal", 0.5, "optimal probability threshold of the structure")
	calibrateCmd.Flags().StringVar(&calibrateStructure, "structure", "", "structure name recorded in the ledger")
	calibrateCmd.Flags().StringVar(&calibrateDB, "db", "", "record the result in this SQLite ledger")
	calibrateCmd.Flags().DurationVar(&calibrateTimeout, "timeout", 0, "stop the search after this long (defaults to calibration.timeout)")
	_ = calibrateCmd.MarkFlagRequired("probability")
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	vs, err := voxelSpacing()
	if err != nil {
		return err
	}
	prob, err := volumeio.Load(probabilityPath, vs)
	if err != nil {
		return fmt.Errorf("load probability: %w", err)
	}

	measurer := geometry.NewKDTreeMeasurer()
	reference := referenceValue
	referenceSet := cmd.Flags().Changed("reference")

	var metric calibration.MetricFunc
	switch {
	case dosePath != "":
		if !referenceSet {
			return errors.New("--dose requires --reference")
		}
		dose, err := volumeio.Load(dosePath, vs)
		if err != nil {
			return fmt.Errorf("load dose: %w", err)
		}
		if metric, err = calibration.DoseVariationBand(prob, dose, pOptimal); err != nil {
			return err
		}

	default:
		if manualPath != "" {
			manual, err := volumeio.Load(manualPath, vs)
			if err != nil {
				return fmt.Errorf("load manual: %w", err)
			}
			if reference, err = calibration.ReferenceMASD(manual, measurer); err != nil {
				return err
			}
		} else if !referenceSet {
			return errors.New("either --reference or --manual is required")
		}
		metric = calibration.MASDBand(prob, pOptimal, measurer)
	}

	opts := cfg.CalibrationOptions()
	opts.Logger = logger.Component(log, "calibration")
	timeout := cfg.Calibration.Timeout
	if calibrateTimeout > 0 {
		timeout = calibrateTimeout
	}

	var res calibration.Result
	if timeout > 0 {
		res, err = calibration.WithTimeout(cmd.Context(), timeout, metric, reference, opts)
	} else {
		res, err = calibration.Search(cmd.Context(), metric, reference, opts)
	}
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reference: %.4f\n", reference)
	for _, round := range res.Rounds {
		fmt.Fprintf(out, "Round %d: best Δp=%.5f metric=%.4f objective=%.6f\n",
			round.Index, round.Best.Delta, round.Best.Metric, round.Best.Objective)
	}
	fmt.Fprintf(out, "Optimal Δp: %.5f (%d evaluations, converged: %t)\n", res.Best.Delta, len(res.History), res.Converged)

	if calibrateDB != "" {
		store, err := report.NewStore(calibrateDB)
		if err != nil {
			return err
		}
		defer store.Close()
		runID, err := store.RecordCalibration(calibrateStructure, pOptimal, reference, opts.MetricType, res)
		if err != nil {
			return err
		}
		log.Info().Str("run", runID).Msg("calibration recorded")
	}
	return nil
}
