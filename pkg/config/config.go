// Package config provides configuration loading and management for lkfdetect.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"lkfdetect/pkg/detect"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Preprocessing parameters
	Preprocessing struct {
		// UseRawField skips the log and histogram equalization step
		UseRawField bool `yaml:"useRawField"`

		// DoGThreshold is the band-pass response threshold for feature pixels
		DoGThreshold float64 `yaml:"dogThreshold"`

		// MinKernel is the narrow blur kernel size in cells
		MinKernel float64 `yaml:"minKernel"`

		// MaxKernel is the wide blur kernel size in cells
		MaxKernel float64 `yaml:"maxKernel"`

		// MarginCells masks this many border cells before preprocessing
		MarginCells int `yaml:"marginCells"`

		// ResolutionKm is the input grid spacing in km
		ResolutionKm float64 `yaml:"resolutionKm"`

		// ReductionFactor is the coarsening factor applied to the input
		ReductionFactor float64 `yaml:"reductionFactor"`
	} `yaml:"preprocessing"`

	// Tracing parameters
	Tracing struct {
		// MaxIterations caps the length of a single traced chain
		MaxIterations int `yaml:"maxIterations"`

		// SeedStride is the sampling stride for restart seeds
		SeedStride int `yaml:"seedStride"`
	} `yaml:"tracing"`

	// Reconnection parameters
	Reconnection struct {
		// DistanceThreshold is the maximum endpoint gap in cells
		DistanceThreshold float64 `yaml:"distanceThreshold"`

		// AngleThreshold is the maximum reconnection angle in degrees
		AngleThreshold float64 `yaml:"angleThreshold"`

		// EpsThreshold is the maximum difference in mean log10 deformation rate
		EpsThreshold float64 `yaml:"epsThreshold"`

		// EllipseFactor weights perpendicular endpoint offsets
		EllipseFactor float64 `yaml:"ellipseFactor"`
	} `yaml:"reconnection"`

	// Filtering parameters
	Filtering struct {
		// MinLength is the minimum endpoint span in cells of a reported segment
		MinLength float64 `yaml:"minLength"`
	} `yaml:"filtering"`

	// Runtime parameters
	Runtime struct {
		// Workers bounds the number of slices processed concurrently
		Workers int `yaml:"workers"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"runtime"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default preprocessing parameters
	cfg.Preprocessing.UseRawField = false
	cfg.Preprocessing.DoGThreshold = 0.01
	cfg.Preprocessing.MinKernel = 1
	cfg.Preprocessing.MaxKernel = 5
	cfg.Preprocessing.MarginCells = 0
	cfg.Preprocessing.ResolutionKm = 12.5
	cfg.Preprocessing.ReductionFactor = 1

	// Set default tracing parameters
	cfg.Tracing.MaxIterations = 500
	cfg.Tracing.SeedStride = 100

	// Set default reconnection parameters
	cfg.Reconnection.DistanceThreshold = 4
	cfg.Reconnection.AngleThreshold = 45
	cfg.Reconnection.EpsThreshold = 1.25
	cfg.Reconnection.EllipseFactor = 2

	// Set default filtering parameters
	cfg.Filtering.MinLength = 3

	// Set default runtime parameters
	cfg.Runtime.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Runtime.Verbose = false

	return cfg
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

// ToOptions converts the configuration into detection options.
func (c *Config) ToOptions() detect.Options {
	return detect.Options{
		UseRawField:       c.Preprocessing.UseRawField,
		DoGThreshold:      c.Preprocessing.DoGThreshold,
		MinKernel:         c.Preprocessing.MinKernel,
		MaxKernel:         c.Preprocessing.MaxKernel,
		MarginCells:       c.Preprocessing.MarginCells,
		ResolutionKm:      c.Preprocessing.ResolutionKm,
		ReductionFactor:   c.Preprocessing.ReductionFactor,
		MaxIterations:     c.Tracing.MaxIterations,
		SeedStride:        c.Tracing.SeedStride,
		DistanceThreshold: c.Reconnection.DistanceThreshold,
		AngleThreshold:    c.Reconnection.AngleThreshold,
		EpsThreshold:      c.Reconnection.EpsThreshold,
		EllipseFactor:     c.Reconnection.EllipseFactor,
		MinLength:         c.Filtering.MinLength,
		Workers:           c.Runtime.Workers,
	}
}
