/*
Ported from PHD2 (Open PHD Guiding), guider_multistar.cpp.
Original Copyright (c) 2006-2010 Craig Stark.
Original Copyright (c) 2012 Bret McKee.
Licensed under the BSD license, see LICENSE.PHD2.
Ported to Go.
*/

package starguide

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"starguide/internal/config"
	"starguide/internal/logging"
)

// FrameStatus summarizes what the tracker measured in one frame.
type FrameStatus struct {
	// Status and photometry of the primary. On a mass change these are the
	// rejected measurement.
	Status    StarStatus
	Position  Point2d
	Mass      float64
	SNR       float64
	HFD       float64
	PeakValue uint16
	Limits    MassLimits

	Secondaries        int
	ValidSecondaries   int
	Dropped            int
	Recovered          int
	RotationCorrection float64

	ExposureMs   int
	AutoExposure bool
}

// Message returns the one-line guider status text.
func (s FrameStatus) Message() string {
	if !s.Status.Found() {
		return s.Status.LostMessage()
	}
	msg := fmt.Sprintf("m=%.0f SNR=%.1f", s.Mass, s.SNR)
	if s.Status == StatusSaturated {
		msg += " Saturated"
	}
	if s.AutoExposure {
		if s.ExposureMs >= 1000 {
			msg += fmt.Sprintf(" Exp=%0.1f s", float64(s.ExposureMs)/1000)
		} else {
			msg += fmt.Sprintf(" Exp=%d ms", s.ExposureMs)
		}
	}
	return msg
}

func (s FrameStatus) result() string {
	switch {
	case s.Status.Found():
		return s.Status.String()
	case s.Status == StatusNone:
		return "no_selection"
	case s.Status == StatusMassChange:
		return "mass_change"
	default:
		return "lost"
	}
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l logging.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *TrackerCollector) TrackerOption {
	return func(t *Tracker) { t.metrics = c }
}

// WithClock replaces the time source used for mass history and timing.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker follows a primary guide star and a constellation of secondary
// stars across frames. It is not safe for concurrent use.
type Tracker struct {
	params  Params
	log     logging.Logger
	metrics *TrackerCollector
	now     func() time.Time

	primary     *TrackedStar
	secondaries []*TrackedStar
	lock        Point2d

	guiding              bool
	guidingStartRecorded bool
	rotationHistory      []float64 // newest first
	rotationCorrection   float64

	exposureMs   int
	autoExposure bool
}

// NewTracker creates a tracker with no star selected. A nil p uses
// DefaultParams.
func NewTracker(p *Params, opts ...TrackerOption) *Tracker {
	if p == nil {
		p = DefaultParams()
	}
	t := &Tracker{
		params: *p,
		log:    logging.Noop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.params.Tracker.SearchRegion = clampInt(t.params.Tracker.SearchRegion, config.MinSearchRegion, config.MaxSearchRegion)
	return t
}

// SearchRegion returns the half-width of the per-star search box.
func (t *Tracker) SearchRegion() int {
	return t.params.Tracker.SearchRegion
}

// SetSearchRegion changes the search half-width. Out-of-range values are
// clamped and reported.
func (t *Tracker) SetSearchRegion(r int) error {
	clamped := clampInt(r, config.MinSearchRegion, config.MaxSearchRegion)
	t.params.Tracker.SearchRegion = clamped
	if clamped != r {
		return errors.Errorf("search region %d out of range [%d, %d], using %d",
			r, config.MinSearchRegion, config.MaxSearchRegion, clamped)
	}
	return nil
}

// SetMassChangeThreshold sets the relative mass tolerance. A negative value
// restores the default and is reported.
func (t *Tracker) SetMassChangeThreshold(tol float64) error {
	if tol < 0 {
		t.params.Tracker.MassChangeThreshold = DefaultMassChangeThreshold
		return errors.Errorf("mass change threshold %f is negative, using %.2f", tol, DefaultMassChangeThreshold)
	}
	t.params.Tracker.MassChangeThreshold = tol
	return nil
}

// EnableMassChangeCheck turns primary mass checking on or off.
func (t *Tracker) EnableMassChangeCheck(enable bool) {
	t.params.Tracker.MassChangeEnabled = enable
}

// SetExposure records the current exposure. Mass histories reset when it
// changes.
func (t *Tracker) SetExposure(ms int, auto bool) {
	t.exposureMs = ms
	t.autoExposure = auto
}

// HasStar reports whether a primary star is selected.
func (t *Tracker) HasStar() bool {
	return t.primary != nil
}

// Primary returns a snapshot of the primary star.
func (t *Tracker) Primary() (StarSnapshot, bool) {
	if t.primary == nil {
		return StarSnapshot{}, false
	}
	return t.primary.Snapshot(), true
}

// Secondaries returns snapshots of the secondary stars.
func (t *Tracker) Secondaries() []StarSnapshot {
	out := make([]StarSnapshot, len(t.secondaries))
	for i, s := range t.secondaries {
		out[i] = s.Snapshot()
	}
	return out
}

// LockPosition returns the reference point of the rotation estimate.
func (t *Tracker) LockPosition() Point2d {
	return t.lock
}

// RotationCorrection returns the current field rotation estimate in degrees.
func (t *Tracker) RotationCorrection() float64 {
	return t.rotationCorrection
}

// IsGuiding reports whether rotation tracking is active.
func (t *Tracker) IsGuiding() bool {
	return t.guiding
}

// StartGuiding freezes the lock point at the primary position and starts
// rotation tracking. Recovery of lost secondaries pauses while guiding.
func (t *Tracker) StartGuiding() {
	t.guiding = true
	t.guidingStartRecorded = false
	t.rotationHistory = t.rotationHistory[:0]
	t.rotationCorrection = 0
	t.log.Info(context.Background(), "guiding started",
		logging.Int("secondaries", len(t.secondaries)))
}

// StopGuiding ends rotation tracking.
func (t *Tracker) StopGuiding() {
	t.guiding = false
	t.guidingStartRecorded = false
}

// Reset drops every tracked star and all rotation state.
func (t *Tracker) Reset() {
	t.primary = nil
	t.secondaries = nil
	t.lock = Point2d{}
	t.guiding = false
	t.guidingStartRecorded = false
	t.rotationHistory = t.rotationHistory[:0]
	t.rotationCorrection = 0
}

// InvalidateCurrentPosition marks every tracked star as not found. The
// positions are kept so the next Update searches where the stars were. A
// full reset drops the selection instead.
func (t *Tracker) InvalidateCurrentPosition(fullReset bool) {
	if fullReset {
		t.Reset()
		return
	}
	if t.primary != nil {
		t.primary.lose(StatusNone)
	}
	for _, s := range t.secondaries {
		s.lose(StatusNone)
		s.CurrentlyValid = false
	}
}

// IsValidLockPosition reports whether a search box around p fits inside the
// frame.
func (t *Tracker) IsValidLockPosition(frame *Frame, p Point2d) bool {
	if !frame.valid() {
		return false
	}
	sr := float64(t.params.Tracker.SearchRegion)
	return p.X >= 1+sr && p.X+1+sr < float64(frame.Width) &&
		p.Y >= 1+sr && p.Y+1+sr < float64(frame.Height)
}

// BoundingBox returns the camera subframe that covers the primary search box
// within a sensor of the given size, or an empty rectangle when the full
// frame is needed. While guiding the box stays on the lock point until the
// star drifts more than a third of the search region.
func (t *Tracker) BoundingBox(width, height int) image.Rectangle {
	if t.primary == nil || !t.primary.WasFound() {
		return image.Rectangle{}
	}
	pos := t.primary.Position
	sr := t.params.Tracker.SearchRegion
	if t.guiding && int(pos.Distance(t.lock)) <= sr/3 {
		pos = t.lock
	}
	x, y := int(pos.X), int(pos.Y)
	return image.Rect(x-sr, y-sr, x+sr+1, y+sr+1).Intersect(image.Rect(0, 0, width, height))
}

// AutoSelect scans the frame and selects the best guide star plus every other
// usable star as a secondary.
func (t *Tracker) AutoSelect(frame *Frame, mount MountState) error {
	ctx := context.Background()
	tp := &t.params.Tracker

	res, err := Scan(frame, mount.EdgeAllowance(), tp.SearchRegion, &t.params.Scan, &t.params.Locator)
	if err != nil {
		t.log.Warn(ctx, "auto-select failed", logging.String("error", err.Error()))
		return errors.Wrap(err, "auto-select")
	}

	primaryRes := res.Primary.LocateResult
	if tp.FindMode != FindCentroid {
		primaryRes = Locate(frame, tp.SearchRegion, primaryRes.Position.X, primaryRes.Position.Y, tp.FindMode, &t.params.Locator)
		if !primaryRes.WasFound() {
			return errors.Wrapf(ErrNoStarFound, "auto-select: %s", primaryRes.Status.LostMessage())
		}
	}

	t.Reset()
	t.primary = t.newStar(primaryRes)
	t.lock = primaryRes.Position
	for i, s := range res.Stars {
		if i == res.PrimaryIndex {
			continue
		}
		st := t.newStar(s.LocateResult)
		st.PreCalDistance = s.Position.Distance(primaryRes.Position)
		st.PreCalAngle = degrees(s.Position.Angle(primaryRes.Position))
		t.secondaries = append(t.secondaries, st)
	}

	t.log.Info(ctx, "star selected",
		logging.String("id", t.primary.ID.String()),
		logging.Float("x", primaryRes.Position.X),
		logging.Float("y", primaryRes.Position.Y),
		logging.Float("snr", primaryRes.SNR),
		logging.Int("pass", res.Pass),
		logging.Int("secondaries", len(t.secondaries)),
		logging.Int("edge_allowance", mount.EdgeAllowance()))
	if res.Pass > 1 {
		t.log.Warn(ctx, "primary selected by a fallback pass; it may be saturated or faint",
			logging.Int("pass", res.Pass))
	}
	return nil
}

// SelectStar selects the star nearest (x, y) as the only tracked star.
func (t *Tracker) SelectStar(frame *Frame, x, y float64) error {
	if !frame.valid() {
		return ErrInvalidFrame
	}
	if x <= 0 || x >= float64(frame.Width) || y <= 0 || y >= float64(frame.Height) {
		return errors.Wrapf(ErrInvalidSelection, "position (%.1f,%.1f) outside %dx%d", x, y, frame.Width, frame.Height)
	}
	tp := &t.params.Tracker
	res := Locate(frame, tp.SearchRegion, x, y, tp.FindMode, &t.params.Locator)
	if !res.WasFound() {
		return errors.Wrapf(ErrNoStarFound, "select (%.1f,%.1f): %s", x, y, res.Status.LostMessage())
	}
	t.Reset()
	t.primary = t.newStar(res)
	t.lock = res.Position
	t.log.Info(context.Background(), "star selected manually",
		logging.String("id", t.primary.ID.String()),
		logging.Float("x", res.Position.X),
		logging.Float("y", res.Position.Y),
		logging.Float("snr", res.SNR))
	return nil
}

func (t *Tracker) newStar(res LocateResult) *TrackedStar {
	return newTrackedStar(res, &t.params.Tracker, t.now, t.exposureMs)
}

// Update measures every tracked star in a new frame. Only the loss of the
// primary, or having no star selected, is returned as an error; secondary
// failures are absorbed by their validation chances.
func (t *Tracker) Update(frame *Frame) (FrameStatus, error) {
	start := t.now()
	st := FrameStatus{ExposureMs: t.exposureMs, AutoExposure: t.autoExposure}
	defer func() {
		t.metrics.observeFrame(st, t.now().Sub(start))
	}()

	if t.primary == nil {
		st.Status = StatusNone
		return st, ErrNoStarSelected
	}
	if !frame.valid() {
		st.Status = StatusError
		return st, ErrInvalidFrame
	}

	primaryFound, err := t.updatePrimary(frame, &st)
	st.Dropped = t.updateSecondaries(frame)
	if primaryFound {
		if t.guiding {
			t.updateRotation()
		} else {
			st.Recovered = t.recoverSecondaries(frame)
		}
	}

	st.Secondaries = len(t.secondaries)
	for _, s := range t.secondaries {
		if s.CurrentlyValid {
			st.ValidSecondaries++
		}
	}
	st.RotationCorrection = t.rotationCorrection
	t.metrics.secondariesDropped(st.Dropped)
	t.metrics.secondariesRecovered(st.Recovered)
	return st, err
}

func (t *Tracker) updatePrimary(frame *Frame, st *FrameStatus) (bool, error) {
	ctx := context.Background()
	tp := &t.params.Tracker
	p := t.primary

	res := Locate(frame, tp.SearchRegion, p.Position.X, p.Position.Y, tp.FindMode, &t.params.Locator)
	st.Status = res.Status
	st.Position = p.Position
	st.PeakValue = res.PeakValue

	if !res.WasFound() {
		p.lose(res.Status)
		t.log.Warn(ctx, "primary star lost",
			logging.String("status", res.Status.String()),
			logging.Float("x", p.Position.X),
			logging.Float("y", p.Position.Y))
		return false, errors.Wrap(ErrStarLost, res.Status.LostMessage())
	}

	st.Mass, st.SNR, st.HFD = res.Mass, res.SNR, res.HFD
	p.masses.SetExposure(t.exposureMs)
	var outlier bool
	if tp.MassChangeEnabled {
		outlier, st.Limits = p.masses.CheckMass(res.Mass, tp.MassChangeThreshold)
	}
	p.masses.AppendData(res.Mass)
	if outlier {
		p.lose(StatusMassChange)
		st.Status = StatusMassChange
		t.log.Warn(ctx, "primary mass changed",
			logging.Float("mass", res.Mass),
			logging.Float("low", st.Limits.Low),
			logging.Float("median", st.Limits.Median),
			logging.Float("high", st.Limits.High))
		return false, errors.Wrapf(ErrMassChanged, "mass %.0f outside [%.0f, %.0f]", res.Mass, st.Limits.Low, st.Limits.High)
	}

	if err := p.relocate(res); err != nil {
		t.log.Debug(ctx, "motion filter update failed", logging.String("error", err.Error()))
	}
	st.Position = res.Position
	return true, nil
}

// updateSecondaries measures every secondary first and only then applies
// the outcomes, so removals never disturb the pass. It returns how many
// stars were dropped.
func (t *Tracker) updateSecondaries(frame *Frame) int {
	tp := &t.params.Tracker
	results := make([]LocateResult, len(t.secondaries))
	for i, s := range t.secondaries {
		results[i] = Locate(frame, tp.SearchRegion, s.Position.X, s.Position.Y, tp.FindMode, &t.params.Locator)
	}

	kept := make([]*TrackedStar, 0, len(t.secondaries))
	dropped := 0
	for i, s := range t.secondaries {
		r := results[i]
		if r.WasFound() {
			t.restore(s, r)
			kept = append(kept, s)
			continue
		}
		s.lose(r.Status)
		s.CurrentlyValid = false
		s.ValidationChances--
		if s.ValidationChances <= 0 {
			dropped++
			t.log.Info(context.Background(), "secondary star dropped",
				logging.String("id", s.ID.String()),
				logging.String("status", r.Status.String()))
			continue
		}
		kept = append(kept, s)
	}
	t.secondaries = kept
	return dropped
}

func (t *Tracker) restore(s *TrackedStar, r LocateResult) {
	if err := s.relocate(r); err != nil {
		t.log.Debug(context.Background(), "motion filter update failed",
			logging.String("id", s.ID.String()), logging.String("error", err.Error()))
	}
	s.masses.SetExposure(t.exposureMs)
	s.masses.AppendData(r.Mass)
	s.ValidationChances = t.params.Tracker.RestoredValidationChances
	s.CurrentlyValid = true
}

// recoverSecondaries searches for each lost secondary where the constellation
// geometry says it should be: its selection-time distance and bearing from
// the primary, rotated by the mean bearing change of the stars still held.
// Without any held star the motion filter prediction is used.
func (t *Tracker) recoverSecondaries(frame *Frame) int {
	tp := &t.params.Tracker
	primary := t.primary.Position

	var sum float64
	var n int
	for _, s := range t.secondaries {
		if !s.CurrentlyValid {
			continue
		}
		sum += wrapDegrees(degrees(s.Position.Angle(primary)) - s.PreCalAngle)
		n++
	}
	var drift float64
	if n > 0 {
		drift = sum / float64(n)
	}

	recovered := 0
	for _, s := range t.secondaries {
		if s.CurrentlyValid {
			continue
		}
		expected := s.predictPosition()
		if n > 0 {
			expected = primary.Offset(s.PreCalDistance, radians(s.PreCalAngle+drift))
		}
		s.LastExpectedPosition = expected

		r := Locate(frame, tp.SearchRegion, expected.X, expected.Y, tp.FindMode, &t.params.Locator)
		if !r.WasFound() {
			s.predicted = false
			continue
		}
		t.restore(s, r)
		recovered++
		t.log.Info(context.Background(), "secondary star recovered",
			logging.String("id", s.ID.String()),
			logging.Float("expected_x", expected.X),
			logging.Float("expected_y", expected.Y),
			logging.Float("x", r.Position.X),
			logging.Float("y", r.Position.Y))
	}
	return recovered
}

// updateRotation estimates field rotation from the mean change in bearing of
// the held secondaries since guiding started.
func (t *Tracker) updateRotation() {
	tp := &t.params.Tracker
	primary := t.primary.Position

	if !t.guidingStartRecorded {
		t.lock = primary
		for _, s := range t.secondaries {
			s.GuidingStartPosition = s.Position
		}
		t.guidingStartRecorded = true
	}

	var sum float64
	var n int
	for _, s := range t.secondaries {
		if !s.CurrentlyValid {
			continue
		}
		start := degrees(s.GuidingStartPosition.Angle(t.lock))
		now := degrees(s.Position.Angle(primary))
		sum += wrapDegrees(now - start)
		n++
	}

	if n > 0 {
		correction := -sum / float64(n)
		t.rotationHistory = append([]float64{correction}, t.rotationHistory...)
		if len(t.rotationHistory) > tp.RotationHistoryLength {
			t.rotationHistory = t.rotationHistory[:tp.RotationHistoryLength]
		}
		if len(t.rotationHistory) < tp.RotationWarmupSamples {
			t.rotationCorrection = correction
		} else {
			t.rotationCorrection = stat.Mean(t.rotationHistory, nil)
		}
	} else if len(t.rotationHistory) < tp.RotationWarmupSamples {
		t.rotationCorrection = 0
	} else {
		t.rotationCorrection = stat.Mean(t.rotationHistory, nil)
	}

	t.log.Debug(context.Background(), "rotation estimate",
		logging.Int("stars", n),
		logging.Int("samples", len(t.rotationHistory)),
		logging.Float("correction_deg", t.rotationCorrection))
}
