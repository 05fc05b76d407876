package starguide

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMassChecker(clock *fakeClock) *MassChecker {
	m := NewMassChecker(DefaultMassWindow)
	m.SetClock(clock.Now)
	m.SetExposure(1000)
	return m
}

func TestMassCheckerNeedsThreeSamples(t *testing.T) {
	clock := newFakeClock()
	m := newTestMassChecker(clock)

	m.AppendData(100)
	m.AppendData(100)
	outlier, limits := m.CheckMass(1000, 0.5)
	assert.False(t, outlier)
	assert.Zero(t, limits.Median)

	m.AppendData(100)
	outlier, limits = m.CheckMass(1000, 0.5)
	assert.True(t, outlier)
	assert.Equal(t, 100.0, limits.Median)
}

func TestMassCheckerToleranceBoundary(t *testing.T) {
	const tol = 0.5
	tests := []struct {
		name    string
		mass    float64
		outlier bool
	}{
		{"median", 100, false},
		{"at high limit", 150, false},
		{"just above high limit", 150.001, true},
		{"at low limit", 50, false},
		{"just below low limit", 49.999, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMassChecker(clock)
			for i := 0; i < 5; i++ {
				m.AppendData(100)
				clock.Advance(time.Second)
			}

			outlier, limits := m.CheckMass(tt.mass, tol)
			assert.Equal(t, tt.outlier, outlier)
			assert.InDelta(t, 50.0, limits.Low, 1e-9)
			assert.InDelta(t, 100.0, limits.Median, 1e-9)
			assert.InDelta(t, 150.0, limits.High, 1e-9)
		})
	}
}

func TestMassCheckerUsesUpperMedian(t *testing.T) {
	clock := newFakeClock()
	m := newTestMassChecker(clock)
	for _, v := range []float64{40, 10, 30, 20} {
		m.AppendData(v)
	}
	_, limits := m.CheckMass(25, 0.1)
	assert.Equal(t, 30.0, limits.Median)
}

func TestMassCheckerExposureChangeClearsWindow(t *testing.T) {
	clock := newFakeClock()
	m := newTestMassChecker(clock)
	for i := 0; i < 5; i++ {
		m.AppendData(100)
	}
	require.Equal(t, 5, m.Len())

	m.SetExposure(1000)
	assert.Equal(t, 5, m.Len(), "same exposure keeps the history")

	m.SetExposure(2000)
	assert.Zero(t, m.Len())
	outlier, _ := m.CheckMass(1e6, 0.1)
	assert.False(t, outlier)
}

func TestMassCheckerEvictsOldEntries(t *testing.T) {
	clock := newFakeClock()
	m := newTestMassChecker(clock)

	for i := 0; i < 3; i++ {
		m.AppendData(1000)
		clock.Advance(time.Second)
	}
	clock.Advance(DefaultMassWindow)
	for i := 0; i < 3; i++ {
		m.AppendData(100)
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, m.Len())
	outlier, limits := m.CheckMass(110, 0.5)
	assert.False(t, outlier)
	assert.Equal(t, 100.0, limits.Median)
}

func TestMassCheckerEvictsOnCheck(t *testing.T) {
	clock := newFakeClock()
	m := newTestMassChecker(clock)
	for i := 0; i < 4; i++ {
		m.AppendData(100)
	}
	clock.Advance(DefaultMassWindow + time.Second)

	outlier, _ := m.CheckMass(5000, 0.1)
	assert.False(t, outlier)
	assert.Zero(t, m.Len())
}
