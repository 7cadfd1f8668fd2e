// Package config loads and validates the wavelength-calibration
// configuration. The schema is a flat JSON document so the same file can be
// checked in next to a dataset and reused for reprocessing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Default fit parameters. These match the values used for standard MKID
// array reductions; override them in the JSON file per dataset.
const (
	DefaultBinWidth             = 2.0 // degrees phase
	DefaultHistogramFitAttempts = 3
	DefaultDeadTimeUs           = 500.0
	DefaultSolutionName         = "solution.wcal"
)

// Config describes one calibration run: the detector geometry, the
// per-wavelength photon tables, and the fit parameters.
type Config struct {
	// Detector geometry.
	XPixels int `json:"x_pixels"`
	YPixels int `json:"y_pixels"`

	// WavelengthsNm lists the calibration laser wavelengths in nm. They must
	// be strictly increasing after Normalize.
	WavelengthsNm []float64 `json:"wavelengths_nm"`

	// PhotonFiles lists one photon-table file per wavelength, parallel to
	// WavelengthsNm.
	PhotonFiles []string `json:"photon_files"`

	// Fit parameters.
	BinWidth             float64  `json:"bin_width"`
	HistogramFitAttempts int      `json:"histogram_fit_attempts"`
	HistogramModels      []string `json:"histogram_models"`
	CalibrationModels    []string `json:"calibration_models"`
	DeadTimeUs           float64  `json:"dead_time_us"`

	// Orchestration.
	Parallel   bool `json:"parallel"`
	MaxWorkers int  `json:"max_workers,omitempty"` // 0 = ceil(NumCPU/2)

	// Output.
	OutDirectory       string `json:"out_directory"`
	SolutionName       string `json:"solution_name"`
	SummaryPlot        bool   `json:"summary_plot"`
	CheckpointInterval string `json:"checkpoint_interval,omitempty"` // e.g. "10m", "" = off
	Verbose            bool   `json:"verbose"`
}

// Load reads, defaults, normalizes, and validates a configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fit parameters with the standard values.
func (c *Config) ApplyDefaults() {
	if c.BinWidth == 0 {
		c.BinWidth = DefaultBinWidth
	}
	if c.HistogramFitAttempts == 0 {
		c.HistogramFitAttempts = DefaultHistogramFitAttempts
	}
	if c.DeadTimeUs == 0 {
		c.DeadTimeUs = DefaultDeadTimeUs
	}
	if len(c.HistogramModels) == 0 {
		c.HistogramModels = []string{"GaussianAndExponential", "Gaussian"}
	}
	if len(c.CalibrationModels) == 0 {
		c.CalibrationModels = []string{"Quadratic", "Linear"}
	}
	if c.SolutionName == "" {
		c.SolutionName = DefaultSolutionName
	}
	if c.OutDirectory == "" {
		c.OutDirectory = "."
	}
}

// Normalize sorts the wavelength list into ascending order, reordering the
// parallel photon-file list to match. Returns true if anything changed.
// Partially specified datasets are common: lasers are recorded in whatever
// order the bench script ran them.
func (c *Config) Normalize() bool {
	if sort.Float64sAreSorted(c.WavelengthsNm) {
		return false
	}
	type pair struct {
		wavelength float64
		file       string
	}
	pairs := make([]pair, len(c.WavelengthsNm))
	for i, w := range c.WavelengthsNm {
		pairs[i].wavelength = w
		if i < len(c.PhotonFiles) {
			pairs[i].file = c.PhotonFiles[i]
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].wavelength < pairs[j].wavelength })
	for i, p := range pairs {
		c.WavelengthsNm[i] = p.wavelength
		if i < len(c.PhotonFiles) {
			c.PhotonFiles[i] = p.file
		}
	}
	return true
}

// Validate checks the configuration for internal consistency. Model names
// are validated by the calibration engine, which owns the model registry.
func (c *Config) Validate() error {
	if c.XPixels <= 0 || c.YPixels <= 0 {
		return fmt.Errorf("x_pixels and y_pixels must be positive, got %dx%d", c.XPixels, c.YPixels)
	}
	if len(c.WavelengthsNm) == 0 {
		return fmt.Errorf("wavelengths_nm must not be empty")
	}
	for i := 1; i < len(c.WavelengthsNm); i++ {
		if c.WavelengthsNm[i] <= c.WavelengthsNm[i-1] {
			return fmt.Errorf("wavelengths_nm must be strictly increasing: %v nm followed by %v nm",
				c.WavelengthsNm[i-1], c.WavelengthsNm[i])
		}
	}
	for _, w := range c.WavelengthsNm {
		if w <= 0 {
			return fmt.Errorf("wavelengths_nm entries must be positive, got %v", w)
		}
	}
	if len(c.PhotonFiles) != len(c.WavelengthsNm) {
		return fmt.Errorf("photon_files has %d entries for %d wavelengths",
			len(c.PhotonFiles), len(c.WavelengthsNm))
	}
	if c.BinWidth <= 0 {
		return fmt.Errorf("bin_width must be positive, got %v", c.BinWidth)
	}
	if c.HistogramFitAttempts < 1 {
		return fmt.Errorf("histogram_fit_attempts must be at least 1, got %d", c.HistogramFitAttempts)
	}
	if len(c.HistogramModels) == 0 {
		return fmt.Errorf("histogram_models must not be empty")
	}
	if len(c.CalibrationModels) == 0 {
		return fmt.Errorf("calibration_models must not be empty")
	}
	if c.DeadTimeUs < 0 {
		return fmt.Errorf("dead_time_us must not be negative, got %v", c.DeadTimeUs)
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers)
	}
	if _, err := c.Checkpoint(); err != nil {
		return err
	}
	return nil
}

// Checkpoint parses the checkpoint interval. Zero means checkpointing is
// disabled.
func (c *Config) Checkpoint() (time.Duration, error) {
	if c.CheckpointInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CheckpointInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint_interval %q: %w", c.CheckpointInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("checkpoint_interval must not be negative, got %q", c.CheckpointInterval)
	}
	return d, nil
}

// Save writes the configuration back out, used after Normalize reorders a
// hand-written file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
