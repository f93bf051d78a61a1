package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"atlasseg/internal/logger"
	"atlasseg/internal/models"
	"atlasseg/pkg/config"
)

var (
	configPath string
	spacing    []float64

	rootCmd = &cobra.Command{
		Use:   "atlasseg",
		Short: "Multi-atlas segmentation of CT volumes",
		Long: `atlasseg segments a target CT volume by registering a set of labeled
atlases onto it, removing outlier atlases, fusing the propagated labels
and thresholding the fused probability. It also compares automatic
segmentations against manual ones and calibrates probability thresholds.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "YAML configuration file")
	rootCmd.PersistentFlags().Float64SliceVar(&spacing, "spacing", []float64{1, 1, 1}, "voxel spacing in mm (x,y,z) of the .npy volumes")

	rootCmd.AddCommand(initConfigCmd, segmentCmd, compareCmd, calibrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the console logger it asks for
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.NewConsole(logger.ParseLevel(cfg.Output.LogLevel)), nil
}

func voxelSpacing() (models.VoxelSize, error) {
	if len(spacing) != 3 {
		return models.VoxelSize{}, fmt.Errorf("--spacing needs 3 values, got %d", len(spacing))
	}
	for _, s := range spacing {
		if s <= 0 {
			return models.VoxelSize{}, fmt.Errorf("--spacing values must be positive, got %v", spacing)
		}
	}
	return models.VoxelSize{X: spacing[0], Y: spacing[1], Z: spacing[2]}, nil
}
