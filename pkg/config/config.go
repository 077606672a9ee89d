// Package config provides configuration loading and management for neuropipe.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"neuropipe/pkg/dataset"
	"neuropipe/pkg/dti"
	"neuropipe/pkg/registration"
	"neuropipe/pkg/superres"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Data cache parameters
	Cache struct {
		// Dir is the local directory the reference data archive is unpacked into.
		// Empty means the per-user default location.
		Dir string `yaml:"dir"`

		// ArchiveURL is where the reference data archive is downloaded from
		ArchiveURL string `yaml:"archiveURL"`

		// Version selects which revision of the archive to fetch
		Version int `yaml:"version"`
	} `yaml:"cache"`

	// Registration parameters for template building and dewarping
	Registration struct {
		// Iterations is the number of template refinement rounds
		Iterations int `yaml:"iterations"`

		// GradientStep scales the template recentring update per round
		GradientStep float64 `yaml:"gradientStep"`

		// BlendingWeight mixes the averaged template with its sharpened form
		BlendingWeight float64 `yaml:"blendingWeight"`

		// Padding is the voxel margin added around reference frames before
		// registration
		Padding int `yaml:"padding"`
	} `yaml:"registration"`

	// Super-resolution parameters
	SuperRes struct {
		// ModelDir is the directory holding the upsampling model weights.
		// Empty disables super-resolution.
		ModelDir string `yaml:"modelDir"`

		// Truncation gives the low and high intensity quantiles clipped
		// before each frame is upsampled
		Truncation []float64 `yaml:"truncation"`

		// PolyOrder is the polynomial order of the intensity regression
		// matching each upsampled frame back to its source; negative
		// disables matching
		PolyOrder int `yaml:"polyOrder"`
	} `yaml:"superres"`

	// Diffusion reconstruction parameters
	DTI struct {
		// MaskVolumeCount is how many leading frames are averaged for masking
		MaskVolumeCount int `yaml:"maskVolumeCount"`

		// MedianRadius is the half-width of the masking median filter
		MedianRadius int `yaml:"medianRadius"`

		// MedianPasses is how many times the median filter runs
		MedianPasses int `yaml:"medianPasses"`

		// Dilate grows the brain mask by this many steps
		Dilate int `yaml:"dilate"`

		// Autocrop trims outputs to the mask bounding box
		Autocrop bool `yaml:"autocrop"`
	} `yaml:"dti"`

	// Output parameters
	Output struct {
		// Separator joins the subject, date and image identifiers in output
		// file names
		Separator string `yaml:"separator"`

		// SaveQC controls whether slice mosaics are written next to outputs
		SaveQC bool `yaml:"saveQC"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Cache.ArchiveURL = dataset.DefaultArchiveURL
	cfg.Cache.Version = dataset.DefaultVersion

	reg := registration.DefaultTemplateOptions()
	cfg.Registration.Iterations = reg.Iterations
	cfg.Registration.GradientStep = reg.GradientStep
	cfg.Registration.BlendingWeight = reg.BlendingWeight
	cfg.Registration.Padding = 0

	sr := superres.DefaultOptions()
	cfg.SuperRes.Truncation = []float64{sr.Truncation[0], sr.Truncation[1]}
	cfg.SuperRes.PolyOrder = sr.PolyOrder

	mask := dti.DefaultMaskOptions()
	cfg.DTI.MaskVolumeCount = mask.VolumeCount
	cfg.DTI.MedianRadius = mask.MedianRadius
	cfg.DTI.MedianPasses = mask.Passes
	cfg.DTI.Dilate = mask.Dilate
	cfg.DTI.Autocrop = mask.Autocrop

	cfg.Output.Separator = "-"
	cfg.Output.SaveQC = true
	cfg.Output.Verbose = true

	return cfg
}

// TemplateOptions converts the registration section to its option struct.
func (c *Config) TemplateOptions() registration.TemplateOptions {
	return registration.TemplateOptions{
		Iterations:     c.Registration.Iterations,
		GradientStep:   c.Registration.GradientStep,
		BlendingWeight: c.Registration.BlendingWeight,
		Workers:        c.Processing.NumCores,
	}
}

// SuperResOptions converts the super-resolution section to its option struct.
func (c *Config) SuperResOptions() superres.Options {
	opts := superres.DefaultOptions()
	if len(c.SuperRes.Truncation) == 2 {
		opts.Truncation = [2]float64{c.SuperRes.Truncation[0], c.SuperRes.Truncation[1]}
	}
	opts.PolyOrder = c.SuperRes.PolyOrder
	opts.Verbose = c.Output.Verbose
	return opts
}

// MaskOptions converts the diffusion section to its masking option struct.
func (c *Config) MaskOptions() dti.MaskOptions {
	return dti.MaskOptions{
		VolumeCount:  c.DTI.MaskVolumeCount,
		MedianRadius: c.DTI.MedianRadius,
		Passes:       c.DTI.MedianPasses,
		Dilate:       c.DTI.Dilate,
		Autocrop:     c.DTI.Autocrop,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
