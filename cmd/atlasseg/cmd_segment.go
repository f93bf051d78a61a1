package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"atlasseg/internal/telemetry"
	"atlasseg/pkg/registration"
	"atlasseg/pkg/segmentation"
	"atlasseg/pkg/visualization"
	"atlasseg/pkg/volumeio"
)

var (
	targetPath       string
	outputDir        string
	extractSlices    bool
	saveIntermediary bool
	metricsFile      string
)

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Segment a target volume with the configured atlas set",
	Long: `Segment a target volume with the configured atlas set.

Atlases are read from <atlas.path>/<id>/image.npy with one <STRUCT>.npy per
structure and must already be resampled onto the target grid (or a grid
the target was cropped from). For every structure the command writes
<STRUCT>_PROBABILITY.npy and <STRUCT>_AUTO.npy to the output directory.`,
	Args: cobra.NoArgs,
	RunE: runSegment,
}

func init() {
	segmentCmd.Flags().StringVar(&targetPath, "target", "", "target image (.npy)")
	segmentCmd.Flags().StringVar(&outputDir, "output", "", "output directory (defaults to output.dir)")
	segmentCmd.Flags().BoolVar(&extractSlices, "extract-slices", false, "save JPEG slices of every mask along all axes")
	segmentCmd.Flags().BoolVar(&saveIntermediary, "save-intermediary", false, "save JPEG slices of the fused probabilities")
	segmentCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	_ = segmentCmd.MarkFlagRequired("target")
}

func runSegment(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}
	vs, err := voxelSpacing()
	if err != nil {
		return err
	}

	target, err := volumeio.Load(targetPath, vs)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	atlases, err := volumeio.LoadPool(cfg.Atlas.Path, cfg.Atlas.IDs, cfg.Atlas.Structures, vs)
	if err != nil {
		return fmt.Errorf("load atlases: %w", err)
	}
	log.Info().Int("atlases", len(atlases)).Strs("structures", cfg.Atlas.Structures).Msg("inputs loaded")

	segmenter := segmentation.NewSegmenter(cfg.SegmentationParams(target, atlases), registration.Identity{}, nil, log)
	if err := segmenter.Process(cmd.Context()); err != nil {
		return fmt.Errorf("segmentation failed: %w", err)
	}
	results := segmenter.Results()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nSegmentation completed in %.2f seconds (run %s)\n", results.Elapsed.Seconds(), results.RunID)
	if removed := results.IAR.Removed(); len(removed) > 0 {
		fmt.Fprintf(out, "Atlases removed by IAR: %v\n", removed)
	}

	names := make([]string, 0, len(results.Probabilities))
	for name := range results.Probabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prob := results.Probabilities[name]
		if err := volumeio.Save(filepath.Join(cfg.Output.Dir, name+"_PROBABILITY.npy"), prob); err != nil {
			return err
		}
		mask := results.Masks[name]
		if err := volumeio.Save(filepath.Join(cfg.Output.Dir, name+"_AUTO.npy"), mask); err != nil {
			return err
		}
		fmt.Fprintf(out, "- %s: threshold %.3f, %d voxels\n", name, results.Thresholds[name], mask.Count())

		if extractSlices {
			viewer := visualization.NewViewer(mask, 1)
			for _, axis := range []string{"x", "y", "z"} {
				axisDir := filepath.Join(cfg.Output.Dir, "slices", name, axis)
				if _, err := viewer.SaveSliceSequence(axis, axisDir, name); err != nil {
					log.Warn().Err(err).Str("axis", axis).Str("structure", name).Msg("failed to save slices")
				}
			}
		}
	}
	fmt.Fprintf(out, "Results saved to: %s\n", cfg.Output.Dir)

	if metricsFile != "" {
		if err := telemetry.WriteTextfile(metricsFile); err != nil {
			return err
		}
	}
	return nil
}
