// Package config provides configuration loading and management for atlasseg.
// It handles loading configuration from YAML files, validates it and maps
// it onto the option values of the pipeline packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"atlasseg/internal/models"
	"atlasseg/pkg/calibration"
	"atlasseg/pkg/iar"
	"atlasseg/pkg/registration"
	"atlasseg/pkg/segmentation"
	"atlasseg/pkg/weightmap"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers bounds the goroutines of every parallel stage
		NumWorkers int `yaml:"numWorkers" validate:"gte=1"`
	} `yaml:"processing"`

	// Atlas set
	Atlas struct {
		// Path is the directory holding one sub-directory per atlas id
		Path string `yaml:"path"`

		// IDs lists the atlases to load; empty means every sub-directory
		IDs []string `yaml:"ids,omitempty"`

		// Structures lists the structures to segment
		Structures []string `yaml:"structures" validate:"required,min=1,dive,required"`
	} `yaml:"atlas"`

	// Automatic cropping of the target
	AutoCrop struct {
		Enabled         bool    `yaml:"enabled"`
		Expansion       int     `yaml:"expansion" validate:"gte=0"`
		MaxAtlases      int     `yaml:"maxAtlases" validate:"gte=1"`
		ExtentThreshold float64 `yaml:"extentThreshold"`
	} `yaml:"autoCrop"`

	// Rigid registration
	Rigid struct {
		Method         string    `yaml:"method" validate:"oneof=Translation Rigid Affine"`
		ShrinkFactors  []int     `yaml:"shrinkFactors" validate:"dive,gte=1"`
		SmoothSigmas   []float64 `yaml:"smoothSigmas" validate:"dive,gte=0"`
		SamplingRate   float64   `yaml:"samplingRate" validate:"gt=0,lte=1"`
		GuideStructure string    `yaml:"guideStructure"`
	} `yaml:"rigid"`

	// Deformable registration
	Deformable DeformableConfig `yaml:"deformable"`

	// Iterative atlas removal
	IAR struct {
		Enabled            bool    `yaml:"enabled"`
		ReferenceStructure string  `yaml:"referenceStructure" validate:"required_if=Enabled true"`
		SmoothDistanceMaps bool    `yaml:"smoothDistanceMaps"`
		SmoothSigma        float64 `yaml:"smoothSigma" validate:"gte=0"`
		ZScoreStatistic    string  `yaml:"zScoreStatistic" validate:"oneof=MAD STD"`
		OutlierMethod      string  `yaml:"outlierMethod" validate:"oneof=IQR ZSCORE"`
		OutlierFactor      float64 `yaml:"outlierFactor" validate:"gt=0"`
		MinBestAtlases     int     `yaml:"minBestAtlases" validate:"gte=1"`
		ProjectOnSphere    bool    `yaml:"projectOnSphere"`
		MaxRounds          int     `yaml:"maxRounds" validate:"gte=0"`
	} `yaml:"iar"`

	// Label fusion
	LabelFusion struct {
		VoteType string  `yaml:"voteType" validate:"oneof=local global unweighted"`
		Radius   int     `yaml:"radius" validate:"gte=1"`
		Epsilon  float64 `yaml:"epsilon" validate:"gt=0"`

		// OptimalThreshold maps a structure to its probability threshold
		OptimalThreshold map[string]float64 `yaml:"optimalThreshold" validate:"dive,gt=0,lt=1"`
	} `yaml:"labelFusion"`

	// Threshold calibration search
	Calibration struct {
		Tolerance  float64       `yaml:"tolerance" validate:"gt=0"`
		MetricType string        `yaml:"metricType" validate:"oneof=min max"`
		MaxRounds  int           `yaml:"maxRounds" validate:"gte=0"`
		Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	} `yaml:"calibration"`

	// Output parameters
	Output struct {
		Dir string `yaml:"dir" validate:"required"`

		// SaveIntermediaryResults writes JPEG slices of the fused volumes
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// LogLevel is a zerolog level name
		LogLevel string `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	} `yaml:"output"`
}

// DeformableConfig holds the staged demons settings; both stagings must have
// the same length
type DeformableConfig struct {
	Enabled           bool      `yaml:"enabled"`
	ResolutionStaging []float64 `yaml:"resolutionStaging" validate:"dive,gt=0"`
	IterationStaging  []int     `yaml:"iterationStaging" validate:"dive,gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(deformableStaging, DeformableConfig{})
}

func deformableStaging(sl validator.StructLevel) {
	d := sl.Current().Interface().(DeformableConfig)
	if len(d.ResolutionStaging) != len(d.IterationStaging) {
		sl.ReportError(d.IterationStaging, "IterationStaging", "iterationStaging", "samelen", "")
	}
}

// DefaultConfig returns a configuration with default values. Every call
// builds a fresh value.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Atlas.Path = "./data"
	cfg.Atlas.Structures = []string{"HEART", "LUNG_L", "LUNG_R", "SPINALCORD", "ESOPHAGUS"}

	cfg.AutoCrop.Enabled = true
	cfg.AutoCrop.Expansion = 25
	cfg.AutoCrop.MaxAtlases = 5

	cfg.Rigid.Method = string(registration.Rigid)
	cfg.Rigid.ShrinkFactors = []int{8, 2, 1}
	cfg.Rigid.SmoothSigmas = []float64{8, 2, 1}
	cfg.Rigid.SamplingRate = 0.25

	cfg.Deformable.Enabled = true
	cfg.Deformable.ResolutionStaging = []float64{8, 4, 2, 1}
	cfg.Deformable.IterationStaging = []int{150, 100, 50, 25}

	cfg.IAR.Enabled = true
	cfg.IAR.ReferenceStructure = "HEART"
	cfg.IAR.SmoothDistanceMaps = true
	cfg.IAR.SmoothSigma = 1
	cfg.IAR.ZScoreStatistic = string(iar.MAD)
	cfg.IAR.OutlierMethod = string(iar.IQR)
	cfg.IAR.OutlierFactor = 1.5
	cfg.IAR.MinBestAtlases = 3

	cfg.LabelFusion.VoteType = string(weightmap.Local)
	cfg.LabelFusion.Radius = 1
	cfg.LabelFusion.Epsilon = 1e-6
	cfg.LabelFusion.OptimalThreshold = map[string]float64{}
	for _, s := range cfg.Atlas.Structures {
		cfg.LabelFusion.OptimalThreshold[s] = segmentation.DefaultThreshold
	}

	cfg.Calibration.Tolerance = 0.01
	cfg.Calibration.MetricType = string(calibration.Minimise)

	cfg.Output.Dir = "./output"
	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks the configuration against its constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// IAROptions maps the iar section onto iar.Options
func (c *Config) IAROptions() iar.Options {
	opts := iar.DefaultOptions()
	opts.ReferenceStructure = c.IAR.ReferenceStructure
	opts.SmoothDistanceMaps = c.IAR.SmoothDistanceMaps
	opts.SmoothSigma = c.IAR.SmoothSigma
	opts.ZScoreStatistic = iar.Statistic(c.IAR.ZScoreStatistic)
	opts.OutlierMethod = iar.OutlierMethod(c.IAR.OutlierMethod)
	opts.OutlierFactor = c.IAR.OutlierFactor
	opts.MinBestAtlases = c.IAR.MinBestAtlases
	opts.ProjectOnSphere = c.IAR.ProjectOnSphere
	opts.MaxRounds = c.IAR.MaxRounds
	opts.Workers = c.Processing.NumWorkers
	return opts
}

// WeightOptions maps the labelFusion section onto weightmap.Options
func (c *Config) WeightOptions() weightmap.Options {
	return weightmap.Options{
		VoteType: weightmap.VoteType(c.LabelFusion.VoteType),
		Radius:   c.LabelFusion.Radius,
		Epsilon:  c.LabelFusion.Epsilon,
	}
}

// CalibrationOptions maps the calibration section onto calibration.Options
func (c *Config) CalibrationOptions() calibration.Options {
	opts := calibration.DefaultOptions()
	opts.Tolerance = c.Calibration.Tolerance
	opts.MetricType = calibration.MetricType(c.Calibration.MetricType)
	opts.MaxRounds = c.Calibration.MaxRounds
	opts.Workers = c.Processing.NumWorkers
	return opts
}

// RegistrationOptions maps the rigid and deformable sections onto
// registration.PoolOptions
func (c *Config) RegistrationOptions() registration.PoolOptions {
	return registration.PoolOptions{
		Workers: c.Processing.NumWorkers,
		Rigid: registration.RigidOptions{
			Method:        registration.Method(c.Rigid.Method),
			ShrinkFactors: append([]int(nil), c.Rigid.ShrinkFactors...),
			SmoothSigmas:  append([]float64(nil), c.Rigid.SmoothSigmas...),
			SamplingRate:  c.Rigid.SamplingRate,
		},
		Deformable: registration.DeformableOptions{
			ResolutionStaging: append([]float64(nil), c.Deformable.ResolutionStaging...),
			IterationStaging:  append([]int(nil), c.Deformable.IterationStaging...),
		},
		GuideStructure: c.Rigid.GuideStructure,
	}
}

// SegmentationParams builds the pipeline parameters for one target
func (c *Config) SegmentationParams(target *models.Volume, atlases models.AtlasPool) *segmentation.Params {
	thresholds := make(map[string]float64, len(c.LabelFusion.OptimalThreshold))
	for k, v := range c.LabelFusion.OptimalThreshold {
		thresholds[k] = v
	}
	return &segmentation.Params{
		Target:     target,
		Atlases:    atlases,
		Structures: append([]string(nil), c.Atlas.Structures...),
		AutoCrop: segmentation.AutoCropParams{
			Enabled:         c.AutoCrop.Enabled,
			MaxAtlases:      c.AutoCrop.MaxAtlases,
			Expansion:       c.AutoCrop.Expansion,
			ExtentThreshold: c.AutoCrop.ExtentThreshold,
			Rigid: registration.RigidOptions{
				Method:        registration.Method(c.Rigid.Method),
				ShrinkFactors: []int{8, 2},
				SmoothSigmas:  []float64{8, 2},
				SamplingRate:  0.2,
			},
		},
		Registration:            c.RegistrationOptions(),
		Deformable:              c.Deformable.Enabled,
		IAREnabled:              c.IAR.Enabled,
		IAR:                     c.IAROptions(),
		Weights:                 c.WeightOptions(),
		Thresholds:              thresholds,
		NumWorkers:              c.Processing.NumWorkers,
		SaveIntermediaryResults: c.Output.SaveIntermediaryResults,
		IntermediaryDir:         filepath.Join(c.Output.Dir, "intermediary"),
	}
}
