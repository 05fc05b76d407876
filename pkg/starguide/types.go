/*
Ported from PHD2 (Open PHD Guiding), star.h.
Original Copyright (c) 2006-2010 Craig Stark.
Original Copyright (c) 2012 Bret McKee.
Licensed under the BSD license, see LICENSE.PHD2.
Ported to Go.
*/

package starguide

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r2"
)

// Sentinel errors reported by the scanner and tracker.
var (
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrSubframeScan     = errors.New("cannot auto-select a star on a subframe")
	ErrNoStarFound      = errors.New("no star found")
	ErrNoStarSelected   = errors.New("no star selected")
	ErrStarLost         = errors.New("star lost")
	ErrMassChanged      = errors.New("star mass changed")
	ErrInvalidSelection = errors.New("invalid star selection")
)

// FindMode selects how a star position is measured.
type FindMode int

const (
	FindCentroid FindMode = iota
	FindPeak
)

func (m FindMode) String() string {
	switch m {
	case FindCentroid:
		return "centroid"
	case FindPeak:
		return "peak"
	default:
		return "unknown"
	}
}

// ParseFindMode converts "centroid" or "peak" to a FindMode.
func ParseFindMode(s string) (FindMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "centroid":
		return FindCentroid, nil
	case "peak":
		return FindPeak, nil
	default:
		return FindCentroid, errors.Errorf("unknown find mode %q", s)
	}
}

// StarStatus is the outcome of the most recent attempt to locate a star.
type StarStatus int

const (
	// StatusNone means the star has never been located.
	StatusNone StarStatus = iota
	StatusOK
	StatusSaturated
	StatusLowSNR
	StatusLowMass
	StatusTooNearEdge
	StatusMassChange
	StatusError
)

func (s StarStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOK:
		return "ok"
	case StatusSaturated:
		return "saturated"
	case StatusLowSNR:
		return "low_snr"
	case StatusLowMass:
		return "low_mass"
	case StatusTooNearEdge:
		return "too_near_edge"
	case StatusMassChange:
		return "mass_change"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Found reports whether the status carries a usable position.
func (s StarStatus) Found() bool {
	return s == StatusOK || s == StatusSaturated
}

// LostMessage returns the guider text for a failed status. Found statuses
// return an empty string.
func (s StarStatus) LostMessage() string {
	switch s {
	case StatusNone:
		return "Ready to guide"
	case StatusLowSNR:
		return "Star lost - low SNR"
	case StatusLowMass:
		return "Star lost - low mass"
	case StatusTooNearEdge:
		return "Star too near edge"
	case StatusMassChange:
		return "Star lost - mass changed"
	case StatusError:
		return "No star found"
	default:
		return ""
	}
}

// Point2d represents a 2D point with float64 coordinates.
type Point2d struct {
	X, Y float64
}

func (p Point2d) vec() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// Distance returns the Euclidean distance between p and o.
func (p Point2d) Distance(o Point2d) float64 {
	return r2.Norm(r2.Sub(p.vec(), o.vec()))
}

// Angle returns the bearing of p as seen from o, in radians.
func (p Point2d) Angle(o Point2d) float64 {
	d := r2.Sub(p.vec(), o.vec())
	return math.Atan2(d.Y, d.X)
}

// Offset returns the point at distance and bearing (radians) from p.
func (p Point2d) Offset(distance, bearing float64) Point2d {
	v := r2.Add(p.vec(), r2.Scale(distance, r2.Vec{X: math.Cos(bearing), Y: math.Sin(bearing)}))
	return Point2d{X: v.X, Y: v.Y}
}

func (p Point2d) String() string {
	return fmt.Sprintf("(%.2f,%.2f)", p.X, p.Y)
}

// wrapDegrees folds an angle into [-180, 180].
func wrapDegrees(a float64) float64 {
	for a > 180 {
		a -= 360
	}
	for a < -180 {
		a += 360
	}
	return a
}

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
func radians(deg float64) float64 { return deg * math.Pi / 180 }

// MountState carries what the scanner needs to know about the mount.
type MountState struct {
	Calibrated bool
	// CalibrationDistance is the total travel of a calibration run, in pixels.
	CalibrationDistance float64
}

// EdgeAllowance is the extra margin a selected star needs so an uncalibrated
// mount can calibrate without pushing it off the frame.
func (m MountState) EdgeAllowance() int {
	if m.Calibrated || m.CalibrationDistance <= 0 {
		return 0
	}
	return int(math.Ceil(m.CalibrationDistance))
}
