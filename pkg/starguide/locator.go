/*
Ported from PHD2 (Open PHD Guiding), star.cpp.
Original Copyright (c) 2006-2010 Craig Stark.
Original Copyright (c) 2012 Bret McKee.
Licensed under the BSD license, see LICENSE.PHD2.
Ported to Go.
*/

package starguide

import (
	"image"
	"math"
	"sort"
)

// LocateResult is the measurement of one star in one frame.
type LocateResult struct {
	Status   StarStatus
	Position Point2d
	// Mass is the background-subtracted flux in ADU; the raw peak in peak mode.
	Mass      float64
	SNR       float64
	HFD       float64
	PeakValue uint16
}

// WasFound reports whether the result carries a usable position.
func (r LocateResult) WasFound() bool {
	return r.Status.Found()
}

// Locate measures the star nearest (seedX, seedY) inside a square search box
// of half-width searchRegion. It never reads outside the frame's active
// bounds: a box that would leave them yields StatusTooNearEdge.
//
// On failure Position is the seed and the photometry is zero. A nil p uses
// NewLocatorParams.
func Locate(frame *Frame, searchRegion int, seedX, seedY float64, mode FindMode, p *LocatorParams) LocateResult {
	if p == nil {
		p = NewLocatorParams()
	}
	res := LocateResult{Status: StatusError, Position: Point2d{X: seedX, Y: seedY}}
	if !frame.valid() || searchRegion < 1 || math.IsNaN(seedX) || math.IsNaN(seedY) {
		return res
	}

	bounds := frame.ActiveBounds()
	if seedX < float64(bounds.Min.X) || seedX >= float64(bounds.Max.X) ||
		seedY < float64(bounds.Min.Y) || seedY >= float64(bounds.Max.Y) {
		res.Status = StatusTooNearEdge
		return res
	}
	bx, by := int(seedX), int(seedY)
	box := image.Rect(bx-searchRegion, by-searchRegion, bx+searchRegion+1, by+searchRegion+1)
	if !box.In(bounds) {
		res.Status = StatusTooNearEdge
		return res
	}

	if mode == FindPeak {
		return locatePeak(frame, box, p, res)
	}
	return locateCentroid(frame, box, bounds, p, res)
}

func locatePeak(frame *Frame, box image.Rectangle, p *LocatorParams, res LocateResult) LocateResult {
	peakX, peakY := box.Min.X, box.Min.Y
	var peak uint16
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if v := frame.At(x, y); v > peak {
				peak, peakX, peakY = v, x, y
			}
		}
	}

	res.PeakValue = peak
	if float64(peak) < p.MinMass {
		res.Status = StatusLowMass
		return res
	}
	res.Status = StatusOK
	res.Position = Point2d{X: float64(peakX), Y: float64(peakY)}
	res.Mass = float64(peak)
	return res
}

// hfrSample is one above-threshold pixel of the centroid aperture.
type hfrSample struct {
	x, y int
	r2   float64
	m    float64
}

func locateCentroid(frame *Frame, box, bounds image.Rectangle, p *LocatorParams, res LocateResult) LocateResult {
	w := frame.Width
	px := frame.Pixels

	// Peak of a 3x3 weighted smoothing (weights 4/2/1, total 16) and the three
	// brightest raw pixels.
	peakX, peakY := box.Min.X+1, box.Min.Y+1
	var peakSmoothed uint32
	var max3 [3]uint16
	for y := box.Min.Y + 1; y < box.Max.Y-1; y++ {
		up, row, down := (y-1)*w, y*w, (y+1)*w
		for x := box.Min.X + 1; x < box.Max.X-1; x++ {
			v := px[row+x]
			s := 4*uint32(v) +
				uint32(px[up+x-1]) + uint32(px[up+x+1]) + uint32(px[down+x-1]) + uint32(px[down+x+1]) +
				2*(uint32(px[up+x])+uint32(px[row+x-1])+uint32(px[row+x+1])+uint32(px[down+x]))
			if s > peakSmoothed {
				peakSmoothed, peakX, peakY = s, x, y
			}
			if v > max3[0] {
				v, max3[0] = max3[0], v
			}
			if v > max3[1] {
				v, max3[1] = max3[1], v
			}
			if v > max3[2] {
				max3[2] = v
			}
		}
	}
	res.PeakValue = max3[0]
	peakSmoothed /= 16

	// Background from an annulus around the peak.
	inner2 := p.AnnulusInner * p.AnnulusInner
	outer2 := p.AnnulusOuter * p.AnnulusOuter
	ob := int(math.Ceil(p.AnnulusOuter))
	ring := image.Rect(peakX-ob, peakY-ob, peakX+ob+1, peakY+ob+1).Intersect(bounds)
	var bg runningStats
	for y := ring.Min.Y; y < ring.Max.Y; y++ {
		dy := float64(y - peakY)
		for x := ring.Min.X; x < ring.Max.X; x++ {
			dx := float64(x - peakX)
			if r2 := dx*dx + dy*dy; r2 <= inner2 || r2 > outer2 {
				continue
			}
			bg.add(float64(px[y*w+x]))
		}
	}
	if bg.n < 2 {
		res.Status = StatusError
		return res
	}
	meanBg := bg.mean
	sigma2 := bg.variance()
	thresh := uint16(math.Min(meanBg+p.ThresholdSigma*math.Sqrt(sigma2)+0.5, 65535))

	// Background-subtracted moments of the aperture.
	ia := int(p.AnnulusInner)
	aperture := image.Rect(peakX-ia, peakY-ia, peakX+ia+1, peakY+ia+1).Intersect(bounds)
	var cx, cy, mass float64
	samples := make([]hfrSample, 0, (2*ia+1)*(2*ia+1))
	for y := aperture.Min.Y; y < aperture.Max.Y; y++ {
		dy := y - peakY
		for x := aperture.Min.X; x < aperture.Max.X; x++ {
			dx := x - peakX
			if float64(dx*dx+dy*dy) > inner2 {
				continue
			}
			v := px[y*w+x]
			if v < thresh {
				continue
			}
			d := float64(v) - meanBg
			cx += float64(dx) * d
			cy += float64(dy) * d
			mass += d
			samples = append(samples, hfrSample{x: x, y: y, m: d})
		}
	}

	n := len(samples)
	var snr float64
	if n > 0 && mass > 0 {
		snr = mass / math.Sqrt(mass/p.CameraGain+sigma2*float64(n)*(1+1/float64(bg.n)))
	}
	// A few scattered pixels over threshold are not a star unless the smoothed
	// peak clears the threshold too.
	if peakSmoothed <= uint32(thresh) && snr >= p.LowSNR {
		snr = p.LowSNR - 0.1
	}

	switch {
	case mass < p.MinMass:
		res.Status = StatusLowMass
		return res
	case snr < p.LowSNR:
		res.Status = StatusLowSNR
		return res
	}

	pos := Point2d{X: float64(peakX) + cx/mass, Y: float64(peakY) + cy/mass}
	res.Position = pos
	res.Mass = mass
	res.SNR = snr
	res.HFD = 2 * halfFluxRadius(samples, pos, mass)
	res.Status = StatusOK
	if isSaturated(max3, frame.Pedestal, frame.BitDepth) {
		res.Status = StatusSaturated
	}
	return res
}

// isSaturated reports a flat-topped profile: the three brightest pixels lie
// within 1/191 of the peak on low bit-depth sensors, 32/65535 otherwise.
func isSaturated(max3 [3]uint16, pedestal uint16, bitDepth int) bool {
	d := uint64(max3[0] - max3[2])
	var mx uint64
	if max3[0] >= pedestal {
		mx = uint64(max3[0] - pedestal)
	}
	if bitDepth < 12 {
		return d*191 < mx
	}
	return d*65535 < 32*mx
}

// halfFluxRadius interpolates the radius enclosing half the mass.
func halfFluxRadius(samples []hfrSample, center Point2d, mass float64) float64 {
	if len(samples) == 1 {
		return 0.25
	}
	for i := range samples {
		dx := float64(samples[i].x) - center.X
		dy := float64(samples[i].y) - center.Y
		samples[i].r2 = dx*dx + dy*dy
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].r2 < samples[j].r2 })

	half := 0.5 * mass
	var r20, r21, m0, m1 float64
	for _, s := range samples {
		r20, m0 = r21, m1
		r21 = s.r2
		m1 += s.m
		if m1 > half {
			break
		}
	}
	if m1 <= m0 {
		return 0.25
	}
	r0, r1 := math.Sqrt(r20), math.Sqrt(r21)
	return r0 + (r1-r0)/(m1-m0)*(half-m0)
}
