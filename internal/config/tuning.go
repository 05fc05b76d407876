package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the on-disk tuning file for the locator, scanner and tracker.
// Every field is optional; the Get* methods supply defaults for absent ones,
// so partial files are safe.
type TuningConfig struct {
	// Locator params
	FindMode       *string  `json:"find_mode,omitempty"` // "centroid" or "peak"
	AnnulusInner   *float64 `json:"annulus_inner,omitempty"`
	AnnulusOuter   *float64 `json:"annulus_outer,omitempty"`
	ThresholdSigma *float64 `json:"threshold_sigma,omitempty"`
	CameraGain     *float64 `json:"camera_gain,omitempty"`
	MinMass        *float64 `json:"min_mass,omitempty"`
	LowSNR         *float64 `json:"low_snr,omitempty"`

	// Scanner params
	MinEdgeDistance *int     `json:"min_edge_distance,omitempty"`
	MaxCandidates   *int     `json:"max_candidates,omitempty"`
	MinScore        *float64 `json:"min_score,omitempty"`
	MergeDistance   *float64 `json:"merge_distance,omitempty"`
	ClosePairMargin *int     `json:"close_pair_margin,omitempty"`
	BrightPairRatio *float64 `json:"bright_pair_ratio,omitempty"`
	MinPrimarySNR   *float64 `json:"min_primary_snr,omitempty"`

	// Tracker params
	SearchRegion              *int     `json:"search_region,omitempty"`
	MassChangeEnabled         *bool    `json:"mass_change_enabled,omitempty"`
	MassChangeThreshold       *float64 `json:"mass_change_threshold,omitempty"`
	MassWindow                *string  `json:"mass_window,omitempty"` // duration string like "30s"
	HistoryLength             *int     `json:"history_length,omitempty"`
	InitialValidationChances  *int     `json:"initial_validation_chances,omitempty"`
	RestoredValidationChances *int     `json:"restored_validation_chances,omitempty"`
	RotationHistoryLength     *int     `json:"rotation_history_length,omitempty"`
	RotationWarmupSamples     *int     `json:"rotation_warmup_samples,omitempty"`
	KalmanAccelStdDev         *float64 `json:"kalman_accel_std_dev,omitempty"`
	KalmanMeasurementStdDev   *float64 `json:"kalman_measurement_std_dev,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, errors.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "stat config file")
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, errors.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config JSON")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *TuningConfig) Validate() error {
	if c.FindMode != nil {
		switch strings.ToLower(*c.FindMode) {
		case "centroid", "peak":
		default:
			return errors.Errorf("find_mode must be centroid or peak, got %q", *c.FindMode)
		}
	}
	if c.SearchRegion != nil && (*c.SearchRegion < MinSearchRegion || *c.SearchRegion > MaxSearchRegion) {
		return errors.Errorf("search_region must be between %d and %d, got %d", MinSearchRegion, MaxSearchRegion, *c.SearchRegion)
	}
	if c.MassChangeThreshold != nil && *c.MassChangeThreshold < 0 {
		return errors.Errorf("mass_change_threshold must be non-negative, got %f", *c.MassChangeThreshold)
	}
	if c.MassWindow != nil && *c.MassWindow != "" {
		if _, err := time.ParseDuration(*c.MassWindow); err != nil {
			return errors.Wrapf(err, "invalid mass_window '%s'", *c.MassWindow)
		}
	}
	if c.AnnulusInner != nil && c.AnnulusOuter != nil && *c.AnnulusInner >= *c.AnnulusOuter {
		return errors.Errorf("annulus_inner (%f) must be smaller than annulus_outer (%f)", *c.AnnulusInner, *c.AnnulusOuter)
	}
	if c.CameraGain != nil && *c.CameraGain <= 0 {
		return errors.Errorf("camera_gain must be positive, got %f", *c.CameraGain)
	}
	if c.MaxCandidates != nil && *c.MaxCandidates < 1 {
		return errors.Errorf("max_candidates must be at least 1, got %d", *c.MaxCandidates)
	}
	if c.RotationHistoryLength != nil && *c.RotationHistoryLength < 1 {
		return errors.Errorf("rotation_history_length must be at least 1, got %d", *c.RotationHistoryLength)
	}
	return nil
}

// Search region limits, in pixels.
const (
	MinSearchRegion     = 7
	DefaultSearchRegion = 15
	MaxSearchRegion     = 50
)

// GetFindMode returns the find_mode value or the default.
func (c *TuningConfig) GetFindMode() string {
	if c.FindMode == nil || *c.FindMode == "" {
		return "centroid"
	}
	return strings.ToLower(*c.FindMode)
}

func (c *TuningConfig) GetAnnulusInner() float64 {
	if c.AnnulusInner == nil {
		return 7
	}
	return *c.AnnulusInner
}

func (c *TuningConfig) GetAnnulusOuter() float64 {
	if c.AnnulusOuter == nil {
		return 12
	}
	return *c.AnnulusOuter
}

func (c *TuningConfig) GetThresholdSigma() float64 {
	if c.ThresholdSigma == nil {
		return 3
	}
	return *c.ThresholdSigma
}

func (c *TuningConfig) GetCameraGain() float64 {
	if c.CameraGain == nil {
		return 0.5
	}
	return *c.CameraGain
}

func (c *TuningConfig) GetMinMass() float64 {
	if c.MinMass == nil {
		return 10
	}
	return *c.MinMass
}

func (c *TuningConfig) GetLowSNR() float64 {
	if c.LowSNR == nil {
		return 3
	}
	return *c.LowSNR
}

func (c *TuningConfig) GetMinEdgeDistance() int {
	if c.MinEdgeDistance == nil {
		return 40
	}
	return *c.MinEdgeDistance
}

func (c *TuningConfig) GetMaxCandidates() int {
	if c.MaxCandidates == nil {
		return 100
	}
	return *c.MaxCandidates
}

func (c *TuningConfig) GetMinScore() float64 {
	if c.MinScore == nil {
		return 0.1
	}
	return *c.MinScore
}

func (c *TuningConfig) GetMergeDistance() float64 {
	if c.MergeDistance == nil {
		return 5
	}
	return *c.MergeDistance
}

func (c *TuningConfig) GetClosePairMargin() int {
	if c.ClosePairMargin == nil {
		return 5
	}
	return *c.ClosePairMargin
}

func (c *TuningConfig) GetBrightPairRatio() float64 {
	if c.BrightPairRatio == nil {
		return 5
	}
	return *c.BrightPairRatio
}

func (c *TuningConfig) GetMinPrimarySNR() float64 {
	if c.MinPrimarySNR == nil {
		return 6
	}
	return *c.MinPrimarySNR
}

// GetSearchRegion returns the search_region value or the default.
func (c *TuningConfig) GetSearchRegion() int {
	if c.SearchRegion == nil {
		return DefaultSearchRegion
	}
	return *c.SearchRegion
}

func (c *TuningConfig) GetMassChangeEnabled() bool {
	if c.MassChangeEnabled == nil {
		return true
	}
	return *c.MassChangeEnabled
}

func (c *TuningConfig) GetMassChangeThreshold() float64 {
	if c.MassChangeThreshold == nil {
		return 0.5
	}
	return *c.MassChangeThreshold
}

// GetMassWindow parses and returns the MassWindow as a time.Duration.
func (c *TuningConfig) GetMassWindow() time.Duration {
	if c.MassWindow == nil || *c.MassWindow == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.MassWindow)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (c *TuningConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 50
	}
	return *c.HistoryLength
}

func (c *TuningConfig) GetInitialValidationChances() int {
	if c.InitialValidationChances == nil {
		return 3
	}
	return *c.InitialValidationChances
}

func (c *TuningConfig) GetRestoredValidationChances() int {
	if c.RestoredValidationChances == nil {
		return 14
	}
	return *c.RestoredValidationChances
}

func (c *TuningConfig) GetRotationHistoryLength() int {
	if c.RotationHistoryLength == nil {
		return 300
	}
	return *c.RotationHistoryLength
}

func (c *TuningConfig) GetRotationWarmupSamples() int {
	if c.RotationWarmupSamples == nil {
		return 10
	}
	return *c.RotationWarmupSamples
}

func (c *TuningConfig) GetKalmanAccelStdDev() float64 {
	if c.KalmanAccelStdDev == nil {
		return 0.1
	}
	return *c.KalmanAccelStdDev
}

func (c *TuningConfig) GetKalmanMeasurementStdDev() float64 {
	if c.KalmanMeasurementStdDev == nil {
		return 0.5
	}
	return *c.KalmanMeasurementStdDev
}
