package starguide

import (
	"time"

	"github.com/pkg/errors"

	"starguide/internal/config"
)

// LocatorParams holds the constants of the single-star measurement.
type LocatorParams struct {
	// Background annulus radii around the peak.
	AnnulusInner float64
	AnnulusOuter float64
	// Pixels below mean + ThresholdSigma*sigma are ignored in the centroid.
	ThresholdSigma float64
	// CameraGain in e-/ADU, used by the SNR estimate.
	CameraGain float64
	MinMass    float64
	LowSNR     float64
}

// NewLocatorParams creates LocatorParams with default values.
func NewLocatorParams() *LocatorParams {
	return &LocatorParams{
		AnnulusInner:   7,
		AnnulusOuter:   12,
		ThresholdSigma: 3,
		CameraGain:     0.5,
		MinMass:        10,
		LowSNR:         3,
	}
}

// ScanParams holds the constants of the whole-frame star search.
type ScanParams struct {
	MinEdgeDistance  int
	MaxCandidates    int
	MinScore         float64
	MergeDistance    float64
	ClosePairMargin  int
	BrightPairRatio  float64
	MinPrimarySNR    float64
	LocalMaxRadius   int
	LocalStatsRadius int
}

// NewScanParams creates ScanParams with default values.
func NewScanParams() *ScanParams {
	return &ScanParams{
		MinEdgeDistance:  40,
		MaxCandidates:    100,
		MinScore:         0.1,
		MergeDistance:    5,
		ClosePairMargin:  5,
		BrightPairRatio:  5,
		MinPrimarySNR:    6,
		LocalMaxRadius:   4,
		LocalStatsRadius: 7,
	}
}

// TrackerParams configures the multi-star tracker.
type TrackerParams struct {
	SearchRegion              int
	FindMode                  FindMode
	MassChangeEnabled         bool
	MassChangeThreshold       float64
	MassWindow                time.Duration
	HistoryLength             int
	InitialValidationChances  int
	RestoredValidationChances int
	RotationHistoryLength     int
	RotationWarmupSamples     int
	KalmanAccelStdDev         float64
	KalmanMeasurementStdDev   float64
}

// NewTrackerParams creates TrackerParams with default values.
func NewTrackerParams() *TrackerParams {
	return &TrackerParams{
		SearchRegion:              config.DefaultSearchRegion,
		FindMode:                  FindCentroid,
		MassChangeEnabled:         true,
		MassChangeThreshold:       DefaultMassChangeThreshold,
		MassWindow:                DefaultMassWindow,
		HistoryLength:             50,
		InitialValidationChances:  3,
		RestoredValidationChances: 14,
		RotationHistoryLength:     300,
		RotationWarmupSamples:     10,
		KalmanAccelStdDev:         0.1,
		KalmanMeasurementStdDev:   0.5,
	}
}

// DefaultMassChangeThreshold is the relative tolerance of the mass check.
const DefaultMassChangeThreshold = 0.5

// Params bundles every tunable of the guiding core.
type Params struct {
	Locator LocatorParams
	Scan    ScanParams
	Tracker TrackerParams
}

// DefaultParams returns Params with default values.
func DefaultParams() *Params {
	return &Params{
		Locator: *NewLocatorParams(),
		Scan:    *NewScanParams(),
		Tracker: *NewTrackerParams(),
	}
}

// ParamsFromTuning builds Params from a tuning config. Absent fields take
// their defaults.
func ParamsFromTuning(cfg *config.TuningConfig) (*Params, error) {
	if cfg == nil {
		return DefaultParams(), nil
	}
	mode, err := ParseFindMode(cfg.GetFindMode())
	if err != nil {
		return nil, errors.Wrap(err, "tuning config")
	}
	p := DefaultParams()
	p.Locator = LocatorParams{
		AnnulusInner:   cfg.GetAnnulusInner(),
		AnnulusOuter:   cfg.GetAnnulusOuter(),
		ThresholdSigma: cfg.GetThresholdSigma(),
		CameraGain:     cfg.GetCameraGain(),
		MinMass:        cfg.GetMinMass(),
		LowSNR:         cfg.GetLowSNR(),
	}
	p.Scan.MinEdgeDistance = cfg.GetMinEdgeDistance()
	p.Scan.MaxCandidates = cfg.GetMaxCandidates()
	p.Scan.MinScore = cfg.GetMinScore()
	p.Scan.MergeDistance = cfg.GetMergeDistance()
	p.Scan.ClosePairMargin = cfg.GetClosePairMargin()
	p.Scan.BrightPairRatio = cfg.GetBrightPairRatio()
	p.Scan.MinPrimarySNR = cfg.GetMinPrimarySNR()
	p.Tracker = TrackerParams{
		SearchRegion:              cfg.GetSearchRegion(),
		FindMode:                  mode,
		MassChangeEnabled:         cfg.GetMassChangeEnabled(),
		MassChangeThreshold:       cfg.GetMassChangeThreshold(),
		MassWindow:                cfg.GetMassWindow(),
		HistoryLength:             cfg.GetHistoryLength(),
		InitialValidationChances:  cfg.GetInitialValidationChances(),
		RestoredValidationChances: cfg.GetRestoredValidationChances(),
		RotationHistoryLength:     cfg.GetRotationHistoryLength(),
		RotationWarmupSamples:     cfg.GetRotationWarmupSamples(),
		KalmanAccelStdDev:         cfg.GetKalmanAccelStdDev(),
		KalmanMeasurementStdDev:   cfg.GetKalmanMeasurementStdDev(),
	}
	return p, nil
}
