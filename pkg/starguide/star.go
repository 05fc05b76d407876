/*
Ported from PHD2 (Open PHD Guiding), guider_multistar.cpp.
Original Copyright (c) 2006-2010 Craig Stark.
Original Copyright (c) 2012 Bret McKee.
Licensed under the BSD license, see LICENSE.PHD2.
Ported to Go.
*/

package starguide

import (
	"fmt"
	"time"

	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TrackedStar is a star followed from frame to frame: the primary guide star
// or one of its secondaries.
type TrackedStar struct {
	ID uuid.UUID
	LocateResult

	// History holds previous positions, oldest first.
	History []Point2d

	// Geometry relative to the primary at selection time. Angle in degrees.
	PreCalDistance float64
	PreCalAngle    float64

	// ValidationChances counts the misses left before the star is dropped.
	ValidationChances int
	CurrentlyValid    bool
	// LastExpectedPosition is where recovery last searched for the star.
	LastExpectedPosition Point2d
	// GuidingStartPosition is the position when guiding began.
	GuidingStartPosition Point2d

	maxHistory int
	masses     *MassChecker
	kf         *kalman_filter.Kalman2D

	// predicted is set when the filter already stepped for the current frame.
	predicted bool
}

func newTrackedStar(res LocateResult, tp *TrackerParams, now func() time.Time, exposureMs int) *TrackedStar {
	masses := NewMassChecker(tp.MassWindow)
	if now != nil {
		masses.SetClock(now)
	}
	masses.SetExposure(exposureMs)
	s := &TrackedStar{
		ID:                uuid.New(),
		LocateResult:      res,
		History:           make([]Point2d, 0, tp.HistoryLength),
		ValidationChances: tp.InitialValidationChances,
		CurrentlyValid:    res.WasFound(),
		maxHistory:        tp.HistoryLength,
		masses:            masses,
	}
	s.kf = kalman_filter.NewKalman2D(1.0, 0, 0, tp.KalmanAccelStdDev, tp.KalmanMeasurementStdDev, tp.KalmanMeasurementStdDev,
		kalman_filter.WithState2D(res.Position.X, res.Position.Y))
	if res.WasFound() {
		s.masses.AppendData(res.Mass)
	}
	return s
}

// relocate applies a successful measurement: the old position goes to the
// history and the motion filter absorbs the new one.
func (s *TrackedStar) relocate(res LocateResult) error {
	s.History = append(s.History, s.Position)
	if len(s.History) > s.maxHistory {
		s.History = s.History[1:]
	}
	s.LocateResult = res

	if !s.predicted {
		s.kf.Predict()
	}
	s.predicted = false
	if err := s.kf.Update(res.Position.X, res.Position.Y); err != nil {
		return errors.Wrap(err, "can't update star motion filter")
	}
	return nil
}

// lose records a failed measurement. The position is kept.
func (s *TrackedStar) lose(status StarStatus) {
	s.Status = status
	s.Mass = 0
	s.SNR = 0
	s.HFD = 0
}

// predictPosition advances the motion filter one frame and returns its
// estimate. A relocate in the same frame reuses this step.
func (s *TrackedStar) predictPosition() Point2d {
	s.kf.Predict()
	s.predicted = true
	x, y := s.kf.GetState()
	return Point2d{X: x, Y: y}
}

// StarSnapshot is a read-only copy of a TrackedStar.
type StarSnapshot struct {
	ID                   uuid.UUID
	Status               StarStatus
	Position             Point2d
	Mass                 float64
	SNR                  float64
	HFD                  float64
	PeakValue            uint16
	Valid                bool
	ValidationChances    int
	PreCalDistance       float64
	PreCalAngle          float64
	LastExpectedPosition Point2d
	History              []Point2d
}

// Snapshot copies the star state for consumers.
func (s *TrackedStar) Snapshot() StarSnapshot {
	return StarSnapshot{
		ID:                   s.ID,
		Status:               s.Status,
		Position:             s.Position,
		Mass:                 s.Mass,
		SNR:                  s.SNR,
		HFD:                  s.HFD,
		PeakValue:            s.PeakValue,
		Valid:                s.CurrentlyValid,
		ValidationChances:    s.ValidationChances,
		PreCalDistance:       s.PreCalDistance,
		PreCalAngle:          s.PreCalAngle,
		LastExpectedPosition: s.LastExpectedPosition,
		History:              append([]Point2d(nil), s.History...),
	}
}

func (s StarSnapshot) String() string {
	return fmt.Sprintf("{ID=%s, Status=%s, Position=%s, Mass=%.0f, SNR=%.1f, HFD=%.2f}",
		s.ID, s.Status, s.Position, s.Mass, s.SNR, s.HFD)
}
