package starguide

import (
	"image"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, p *Params) (*Tracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewTracker(p, WithClock(clock.Now)), clock
}

func fieldFrame(t *testing.T, seed int64, stars []testStar) *Frame {
	t.Helper()
	fs := defaultField
	fs.Seed = seed
	return renderField(t, fs, stars)
}

func selectConstellation(t *testing.T, tr *Tracker) []testStar {
	t.Helper()
	stars := constellation()
	require.NoError(t, tr.AutoSelect(fieldFrame(t, 100, stars), MountState{Calibrated: true}))
	return stars
}

func pt(s testStar) Point2d { return Point2d{X: s.X, Y: s.Y} }

func TestTrackerRequiresSelection(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	st, err := tr.Update(fieldFrame(t, 1, constellation()))
	assert.True(t, errors.Is(err, ErrNoStarSelected))
	assert.Equal(t, StatusNone, st.Status)
	assert.Equal(t, "Ready to guide", st.Message())
	assert.False(t, tr.HasStar())
}

func TestTrackerAutoSelectBuildsConstellation(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)

	p, ok := tr.Primary()
	require.True(t, ok)
	assert.InDelta(t, stars[0].X, p.Position.X, 0.15)
	assert.InDelta(t, stars[0].Y, p.Position.Y, 0.15)
	assert.Equal(t, p.Position, tr.LockPosition())

	secs := tr.Secondaries()
	require.Len(t, secs, len(stars)-1)
	ids := map[string]bool{p.ID.String(): true}
	for _, s := range stars[1:] {
		got, ok := nearest(secs, pt(s))
		require.True(t, ok, "secondary near %v", pt(s))
		assert.True(t, got.Valid)
		assert.Equal(t, 3, got.ValidationChances)
		assert.InDelta(t, pt(s).Distance(pt(stars[0])), got.PreCalDistance, 0.3)
		want := degrees(pt(s).Angle(pt(stars[0])))
		assert.InDelta(t, 0, wrapDegrees(want-got.PreCalAngle), 0.3, "bearing of %v", pt(s))
		assert.False(t, ids[got.ID.String()], "star IDs are unique")
		ids[got.ID.String()] = true
	}

	east, _ := nearest(secs, pt(stars[1]))
	south, _ := nearest(secs, pt(stars[4]))
	assert.InDelta(t, 0, east.PreCalAngle, 0.3)
	assert.InDelta(t, 90, south.PreCalAngle, 0.3)
}

func TestTrackerAutoSelectFailureKeepsState(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	selectConstellation(t, tr)

	err := tr.AutoSelect(flatFrame(t, 480, 360, 1000), MountState{Calibrated: true})
	assert.True(t, errors.Is(err, ErrNoStarFound))
	assert.True(t, tr.HasStar())
	assert.Len(t, tr.Secondaries(), 5)
}

func TestTrackerFollowsDrift(t *testing.T) {
	tr, clock := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)

	for i := 1; i <= 6; i++ {
		clock.Advance(time.Second)
		moved := transform(stars, 2*float64(i), -1.5*float64(i), 0)
		st, err := tr.Update(fieldFrame(t, int64(100+i), moved))
		require.NoError(t, err, "frame %d", i)

		assert.Equal(t, StatusOK, st.Status)
		assert.InDelta(t, moved[0].X, st.Position.X, 0.15)
		assert.InDelta(t, moved[0].Y, st.Position.Y, 0.15)
		assert.Equal(t, 5, st.Secondaries)
		assert.Equal(t, 5, st.ValidSecondaries)
		assert.Zero(t, st.Dropped)
		assert.Greater(t, st.SNR, 20.0)

		for _, s := range moved[1:] {
			got, ok := nearest(tr.Secondaries(), pt(s))
			require.True(t, ok)
			assert.InDelta(t, s.X, got.Position.X, 0.2)
			assert.InDelta(t, s.Y, got.Position.Y, 0.2)
		}
	}

	p, _ := tr.Primary()
	assert.Len(t, p.History, 6)
	assert.InDelta(t, stars[0].X, p.History[0].X, 0.15)
}

func TestTrackerPrimaryLost(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)
	before, _ := tr.Primary()

	st, err := tr.Update(fieldFrame(t, 101, without(stars, 0)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStarLost))
	assert.Contains(t, []StarStatus{StatusLowSNR, StatusLowMass}, st.Status)
	assert.Equal(t, st.Status.LostMessage(), st.Message())

	after, _ := tr.Primary()
	assert.Equal(t, before.Position, after.Position)
	assert.Zero(t, after.Mass)
	assert.Zero(t, after.SNR)

	assert.Equal(t, 5, st.ValidSecondaries, "secondaries are measured even when the primary fails")

	st, err = tr.Update(fieldFrame(t, 102, stars))
	require.NoError(t, err)
	assert.True(t, st.Status.Found())
}

func TestTrackerMassChange(t *testing.T) {
	tr, clock := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		_, err := tr.Update(fieldFrame(t, int64(100+i), stars))
		require.NoError(t, err)
	}
	before, _ := tr.Primary()

	bright := constellation()
	bright[0].Amplitude *= 3
	clock.Advance(time.Second)
	st, err := tr.Update(fieldFrame(t, 104, bright))
	assert.True(t, errors.Is(err, ErrMassChanged))
	assert.Equal(t, StatusMassChange, st.Status)
	assert.Equal(t, "Star lost - mass changed", st.Message())
	assert.Greater(t, st.Mass, st.Limits.High)
	assert.InEpsilon(t, before.Mass, st.Limits.Median, 0.1)

	after, _ := tr.Primary()
	assert.Equal(t, before.Position, after.Position)
	assert.Equal(t, StatusMassChange, after.Status)

	clock.Advance(time.Second)
	st, err = tr.Update(fieldFrame(t, 105, stars))
	require.NoError(t, err, "one outlier does not poison the median")
	assert.Equal(t, StatusOK, st.Status)

	tr.EnableMassChangeCheck(false)
	clock.Advance(time.Second)
	st, err = tr.Update(fieldFrame(t, 106, bright))
	require.NoError(t, err)
	assert.True(t, st.Status.Found())
}

func TestTrackerDropsSecondaryAfterChances(t *testing.T) {
	tr, clock := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)
	missing := pt(stars[5])
	frame := fieldFrame(t, 101, without(stars, 5))

	for i, chances := range []int{2, 1} {
		clock.Advance(time.Second)
		st, err := tr.Update(frame)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, 5, st.Secondaries)
		assert.Equal(t, 4, st.ValidSecondaries)

		got, ok := nearest(tr.Secondaries(), missing)
		require.True(t, ok)
		assert.False(t, got.Valid)
		assert.Equal(t, chances, got.ValidationChances)
		assert.Zero(t, got.Mass)
	}

	clock.Advance(time.Second)
	st, err := tr.Update(frame)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 4, st.Secondaries)
	_, ok := nearest(tr.Secondaries(), missing)
	assert.False(t, ok)
}

func TestTrackerRecoversRotatedSecondary(t *testing.T) {
	p := DefaultParams()
	p.Tracker.InitialValidationChances = 5
	tr, clock := newTestTracker(t, p)
	stars := selectConstellation(t, tr)

	for i := 1; i <= 2; i++ {
		clock.Advance(time.Second)
		st, err := tr.Update(fieldFrame(t, int64(100+i), without(transform(stars, 0, 0, 4*float64(i)), 5)))
		require.NoError(t, err)
		assert.Zero(t, st.Recovered)
		assert.Equal(t, 4, st.ValidSecondaries)
	}

	rotated := transform(stars, 0, 0, 12)
	clock.Advance(time.Second)
	st, err := tr.Update(fieldFrame(t, 103, rotated))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Recovered)
	assert.Equal(t, 5, st.ValidSecondaries)

	got, ok := nearest(tr.Secondaries(), pt(rotated[5]))
	require.True(t, ok)
	assert.True(t, got.Valid)
	assert.Equal(t, 14, got.ValidationChances)
	assert.InDelta(t, rotated[5].X, got.Position.X, 0.2)
	assert.InDelta(t, rotated[5].Y, got.Position.Y, 0.2)
	assert.Less(t, got.LastExpectedPosition.Distance(pt(rotated[5])), 1.0)
}

func TestTrackerRotationEstimate(t *testing.T) {
	tr, clock := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)
	tr.StartGuiding()
	require.True(t, tr.IsGuiding())

	_, err := tr.Update(fieldFrame(t, 101, stars))
	require.NoError(t, err)
	assert.InDelta(t, 0, tr.RotationCorrection(), 0.05)

	rotated := transform(stars, 0, 0, 2)
	for i := 1; i <= 11; i++ {
		clock.Advance(time.Second)
		st, err := tr.Update(fieldFrame(t, int64(101+i), rotated))
		require.NoError(t, err)

		// One zero sample from the first guiding frame, then i samples of -2.
		want := -2.0
		if i+1 >= 10 {
			want = -2 * float64(i) / float64(i+1)
		}
		assert.InDelta(t, want, st.RotationCorrection, 0.05, "frame %d", i)
		assert.Zero(t, st.Recovered)
	}

	tr.StopGuiding()
	assert.False(t, tr.IsGuiding())
	tr.StartGuiding()
	assert.Zero(t, tr.RotationCorrection())
}

func TestTrackerSelectStar(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	stars := constellation()
	frame := fieldFrame(t, 100, stars)

	for _, p := range []Point2d{{X: 0, Y: 100}, {X: 480, Y: 100}, {X: 100, Y: -1}, {X: 100, Y: 360}} {
		assert.True(t, errors.Is(tr.SelectStar(frame, p.X, p.Y), ErrInvalidSelection), "%v", p)
	}
	assert.True(t, errors.Is(tr.SelectStar(frame, 300, 120), ErrNoStarFound))
	assert.False(t, tr.HasStar())

	require.NoError(t, tr.SelectStar(frame, 358, 183))
	p, _ := tr.Primary()
	assert.InDelta(t, stars[1].X, p.Position.X, 0.15)
	assert.InDelta(t, stars[1].Y, p.Position.Y, 0.15)
	assert.Empty(t, tr.Secondaries())
}

func TestTrackerInvalidateCurrentPosition(t *testing.T) {
	tr, clock := newTestTracker(t, nil)
	stars := selectConstellation(t, tr)
	before, _ := tr.Primary()

	tr.InvalidateCurrentPosition(false)
	require.True(t, tr.HasStar())
	p, _ := tr.Primary()
	assert.Equal(t, StatusNone, p.Status)
	assert.Equal(t, before.Position, p.Position)
	assert.Zero(t, p.Mass)
	assert.Equal(t, image.Rectangle{}, tr.BoundingBox(480, 360))
	for _, s := range tr.Secondaries() {
		assert.False(t, s.Valid)
		assert.Equal(t, 3, s.ValidationChances)
	}

	clock.Advance(time.Second)
	st, err := tr.Update(fieldFrame(t, 101, stars))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, st.Status)
	assert.Equal(t, 5, st.ValidSecondaries)

	tr.InvalidateCurrentPosition(true)
	assert.False(t, tr.HasStar())
	_, err = tr.Update(fieldFrame(t, 102, stars))
	assert.True(t, errors.Is(err, ErrNoStarSelected))
}

func TestTrackerSearchRegionLimits(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	assert.Equal(t, 15, tr.SearchRegion())

	assert.Error(t, tr.SetSearchRegion(3))
	assert.Equal(t, 7, tr.SearchRegion())
	assert.Error(t, tr.SetSearchRegion(80))
	assert.Equal(t, 50, tr.SearchRegion())
	assert.NoError(t, tr.SetSearchRegion(20))
	assert.Equal(t, 20, tr.SearchRegion())

	assert.Error(t, tr.SetMassChangeThreshold(-1))
	assert.Equal(t, DefaultMassChangeThreshold, tr.params.Tracker.MassChangeThreshold)
	assert.NoError(t, tr.SetMassChangeThreshold(0.3))
	assert.Equal(t, 0.3, tr.params.Tracker.MassChangeThreshold)
}

func TestTrackerIsValidLockPosition(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	frame := flatFrame(t, 480, 360, 1000)

	tests := []struct {
		p    Point2d
		want bool
	}{
		{Point2d{X: 16, Y: 16}, true},
		{Point2d{X: 15.9, Y: 100}, false},
		{Point2d{X: 463, Y: 100}, true},
		{Point2d{X: 464, Y: 100}, false},
		{Point2d{X: 100, Y: 343}, true},
		{Point2d{X: 100, Y: 344}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.IsValidLockPosition(frame, tt.p), "%v", tt.p)
	}
	assert.False(t, tr.IsValidLockPosition(nil, Point2d{X: 100, Y: 100}))
}

func TestTrackerBoundingBox(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	assert.True(t, tr.BoundingBox(480, 360).Empty())

	selectConstellation(t, tr)
	lock := tr.LockPosition()
	x, y := int(lock.X), int(lock.Y)
	assert.Equal(t, image.Rect(x-15, y-15, x+16, y+16), tr.BoundingBox(480, 360))

	tr.StartGuiding()
	tr.primary.Position = Point2d{X: lock.X + 3, Y: lock.Y + 3}
	assert.Equal(t, image.Rect(x-15, y-15, x+16, y+16), tr.BoundingBox(480, 360), "small drift keeps the lock box")

	tr.primary.Position = Point2d{X: lock.X + 8, Y: lock.Y}
	assert.Equal(t, image.Rect(x-7, y-15, x+24, y+16), tr.BoundingBox(480, 360))

	tr.primary.Position = Point2d{X: 5, Y: 5}
	assert.Equal(t, image.Rect(0, 0, 21, 21), tr.BoundingBox(480, 360))

	tr.primary.Status = StatusLowSNR
	assert.True(t, tr.BoundingBox(480, 360).Empty())
}

func TestFrameStatusMessage(t *testing.T) {
	tests := []struct {
		name string
		st   FrameStatus
		want string
	}{
		{"ok", FrameStatus{Status: StatusOK, Mass: 12345.4, SNR: 25.04}, "m=12345 SNR=25.0"},
		{"saturated", FrameStatus{Status: StatusSaturated, Mass: 900, SNR: 8.24}, "m=900 SNR=8.2 Saturated"},
		{"seconds", FrameStatus{Status: StatusOK, Mass: 100, SNR: 10, ExposureMs: 1500, AutoExposure: true}, "m=100 SNR=10.0 Exp=1.5 s"},
		{"milliseconds", FrameStatus{Status: StatusOK, Mass: 100, SNR: 10, ExposureMs: 500, AutoExposure: true}, "m=100 SNR=10.0 Exp=500 ms"},
		{"fixed exposure", FrameStatus{Status: StatusOK, Mass: 100, SNR: 10, ExposureMs: 500}, "m=100 SNR=10.0"},
		{"low snr", FrameStatus{Status: StatusLowSNR}, "Star lost - low SNR"},
		{"low mass", FrameStatus{Status: StatusLowMass}, "Star lost - low mass"},
		{"edge", FrameStatus{Status: StatusTooNearEdge}, "Star too near edge"},
		{"mass change", FrameStatus{Status: StatusMassChange}, "Star lost - mass changed"},
		{"error", FrameStatus{Status: StatusError}, "No star found"},
		{"none", FrameStatus{}, "Ready to guide"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.st.Message())
		})
	}
}

func TestWrapDegrees(t *testing.T) {
	assert.InDelta(t, -170.0, wrapDegrees(190), 1e-9)
	assert.InDelta(t, 170.0, wrapDegrees(-190), 1e-9)
	assert.InDelta(t, 10.0, wrapDegrees(370), 1e-9)
	assert.InDelta(t, math.Pi, radians(180), 1e-12)
}

func TestBearingChangeAcrossBranchCut(t *testing.T) {
	primary := Point2d{X: 100, Y: 100}
	tests := []struct {
		name     string
		from, to Point2d
		want     float64
	}{
		{"above to below", Point2d{X: 50, Y: 99.99}, Point2d{X: 50, Y: 100.01}, -0.0229},
		{"below to above", Point2d{X: 50, Y: 100.01}, Point2d{X: 50, Y: 99.99}, 0.0229},
		{"rotated past the cut", Point2d{X: 50, Y: 99.99}, primary.Offset(50, radians(-178)), 1.9885},
		{"east side stays small", Point2d{X: 150, Y: 99.99}, Point2d{X: 150, Y: 100.01}, 0.0229},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from := degrees(tt.from.Angle(primary))
			to := degrees(tt.to.Angle(primary))
			assert.InDelta(t, tt.want, wrapDegrees(to-from), 1e-3)
		})
	}
}
