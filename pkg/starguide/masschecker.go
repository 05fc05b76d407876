/*
Ported from PHD2 (Open PHD Guiding), masschecker.cpp.
Original Copyright (c) 2012 Bret McKee.
Licensed under the BSD license, see LICENSE.PHD2.
Ported to Go.
*/

package starguide

import "time"

// DefaultMassWindow is how far back the mass history reaches.
const DefaultMassWindow = 30 * time.Second

// MassLimits is the acceptance band computed by CheckMass.
type MassLimits struct {
	Low    float64
	Median float64
	High   float64
}

type massEntry struct {
	at   time.Time
	mass float64
}

// MassChecker keeps a trailing time window of star masses and flags a new
// mass that strays too far from their median. Exposure changes invalidate the
// history.
type MassChecker struct {
	window     time.Duration
	exposureMs int
	entries    []massEntry
	now        func() time.Time
}

// NewMassChecker creates a checker with the given window. A non-positive
// window uses DefaultMassWindow.
func NewMassChecker(window time.Duration) *MassChecker {
	m := &MassChecker{now: time.Now}
	m.SetTimeWindow(window)
	return m
}

// SetTimeWindow changes the trailing window length.
func (m *MassChecker) SetTimeWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultMassWindow
	}
	m.window = window
}

// SetClock replaces the time source.
func (m *MassChecker) SetClock(now func() time.Time) {
	m.now = now
}

// SetExposure records the exposure duration. A change clears the window
// because mass scales with exposure.
func (m *MassChecker) SetExposure(ms int) {
	if ms != m.exposureMs {
		m.exposureMs = ms
		m.Reset()
	}
}

// AppendData records a mass at the current time.
func (m *MassChecker) AppendData(mass float64) {
	now := m.now()
	m.entries = append(m.entries, massEntry{at: now, mass: mass})
	m.evict(now)
}

// CheckMass reports whether mass lies outside median*(1±tolerance) of the
// window. With fewer than three samples nothing is flagged.
func (m *MassChecker) CheckMass(mass, tolerance float64) (bool, MassLimits) {
	m.evict(m.now())
	if len(m.entries) < 3 {
		return false, MassLimits{}
	}

	values := make([]float64, len(m.entries))
	for i, e := range m.entries {
		values[i] = e.mass
	}
	med := upperMedian(values)
	limits := MassLimits{
		Low:    med * (1 - tolerance),
		Median: med,
		High:   med * (1 + tolerance),
	}
	return mass < limits.Low || mass > limits.High, limits
}

// Reset empties the window.
func (m *MassChecker) Reset() {
	m.entries = m.entries[:0]
}

// Len returns the number of samples in the window.
func (m *MassChecker) Len() int {
	return len(m.entries)
}

func (m *MassChecker) evict(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.entries) && m.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = append(m.entries[:0], m.entries[i:]...)
	}
}
