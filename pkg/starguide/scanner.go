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
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Candidate is a local maximum of the matched-filter response.
type Candidate struct {
	X, Y int
	// Score is the local contrast in units of the global noise.
	Score float64
}

func (c Candidate) dist2(o Candidate) int {
	dx, dy := c.X-o.X, c.Y-o.Y
	return dx*dx + dy*dy
}

// ScanStar is a candidate that the locator confirmed as a star.
type ScanStar struct {
	Candidate
	LocateResult
}

// ScanMetrics counts why candidates were dropped.
type ScanMetrics struct {
	LocalMaxima int
	Candidates  int
	Merged      int
	ClosePairs  int
	NearEdge    int
	NotFound    int
}

// ScanResult is the output of a whole-frame star search.
type ScanResult struct {
	Primary ScanStar
	// Stars holds every confirmed star, strongest first. The primary is
	// Stars[PrimaryIndex].
	Stars        []ScanStar
	PrimaryIndex int
	// Pass is the primary selection pass that succeeded, 1 to 3.
	Pass                int
	SaturationLevel     uint16
	SaturationThreshold uint16
	Metrics             ScanMetrics
}

// Scan finds guide-star candidates over the whole frame and picks the best
// primary. edgeAllowance is extra margin the primary needs beyond
// MinEdgeDistance. Scanning a subframe is rejected.
func Scan(frame *Frame, edgeAllowance, searchRegion int, sp *ScanParams, lp *LocatorParams) (*ScanResult, error) {
	if sp == nil {
		sp = NewScanParams()
	}
	if lp == nil {
		lp = NewLocatorParams()
	}
	if !frame.valid() {
		return nil, ErrInvalidFrame
	}
	if frame.IsSubframe() {
		return nil, ErrSubframeScan
	}
	if edgeAllowance < 0 {
		edgeAllowance = 0
	}

	res := &ScanResult{PrimaryIndex: -1}
	cands, err := findCandidates(frame, sp, &res.Metrics)
	if err != nil {
		return nil, err
	}
	cands = mergeCandidates(cands, sp.MergeDistance, &res.Metrics)
	cands = dropClosePairs(cands, 2*searchRegion+sp.ClosePairMargin, sp.BrightPairRatio, &res.Metrics)

	w, h := frame.Width, frame.Height
	inside := func(c Candidate, edge int) bool {
		return c.X > edge && c.X < w-edge && c.Y > edge && c.Y < h-edge
	}

	for _, c := range cands {
		if !inside(c, sp.MinEdgeDistance) {
			res.Metrics.NearEdge++
			continue
		}
		lr := Locate(frame, searchRegion, float64(c.X), float64(c.Y), FindCentroid, lp)
		if !lr.WasFound() {
			res.Metrics.NotFound++
			continue
		}
		res.Stars = append(res.Stars, ScanStar{Candidate: c, LocateResult: lr})
	}
	if len(res.Stars) == 0 {
		return nil, errors.Wrap(ErrNoStarFound, "no candidate survived filtering")
	}

	res.SaturationLevel = saturationLevel(frame, res.Stars)
	res.SaturationThreshold = res.SaturationLevel
	if ped := frame.Pedestal; res.SaturationLevel > ped {
		res.SaturationThreshold = ped + uint16(9*uint32(res.SaturationLevel-ped)/10)
	}

	primaryEdge := sp.MinEdgeDistance + edgeAllowance
	passes := []func(s ScanStar) bool{
		func(s ScanStar) bool {
			return s.PeakValue <= res.SaturationThreshold && s.Status != StatusSaturated && s.SNR >= sp.MinPrimarySNR
		},
		func(s ScanStar) bool { return s.Status != StatusSaturated },
		func(s ScanStar) bool { return true },
	}
	for pass, accept := range passes {
		for i, s := range res.Stars {
			if inside(s.Candidate, primaryEdge) && accept(s) {
				res.Primary = s
				res.PrimaryIndex = i
				res.Pass = pass + 1
				return res, nil
			}
		}
	}
	return nil, errors.Wrapf(ErrNoStarFound, "no star at least %d px from the edge", primaryEdge)
}

// findCandidates filters the frame and returns the scored local maxima,
// strongest first, capped at MaxCandidates.
func findCandidates(frame *Frame, sp *ScanParams, m *ScanMetrics) ([]Candidate, error) {
	w, h := frame.Width, frame.Height
	valid := image.Rect(psfRadius, psfRadius, w-psfRadius, h-psfRadius)
	if valid.Empty() {
		return nil, errors.Wrapf(ErrNoStarFound, "frame %dx%d too small", w, h)
	}

	src := frame.toMat()
	defer src.Close()
	smoothed := NewMat()
	defer smoothed.Close()
	medianBlur3(src, &smoothed)

	kernel := newPSFKernel()
	defer kernel.Close()
	conv := NewMat()
	defer conv.Close()
	filter2D(smoothed, &conv, kernel)
	data := conv.DataFloat32()

	buf := make([]float64, 0, valid.Dx()*valid.Dy())
	_, globalStd := regionStats(data, w, valid, buf)
	if globalStd <= 0 {
		return nil, errors.Wrap(ErrNoStarFound, "flat frame")
	}

	lm, ls := sp.LocalMaxRadius, sp.LocalStatsRadius
	var cands []Candidate
	for y := valid.Min.Y; y < valid.Max.Y; y++ {
		for x := valid.Min.X; x < valid.Max.X; x++ {
			v := data[y*w+x]
			if v <= 0 || !isLocalMax(data, w, x, y, image.Rect(x-lm, y-lm, x+lm+1, y+lm+1).Intersect(valid)) {
				continue
			}
			m.LocalMaxima++

			local := image.Rect(x-ls, y-ls, x+ls+1, y+ls+1).Intersect(valid)
			buf = buf[:0]
			for yy := local.Min.Y; yy < local.Max.Y; yy++ {
				for _, lv := range data[yy*w+local.Min.X : yy*w+local.Max.X] {
					buf = append(buf, float64(lv))
				}
			}
			score := (float64(v) - stat.Mean(buf, nil)) / globalStd
			if score > sp.MinScore {
				cands = append(cands, Candidate{X: x, Y: y, Score: score})
			}
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	if len(cands) > sp.MaxCandidates {
		cands = cands[:sp.MaxCandidates]
	}
	m.Candidates = len(cands)
	return cands, nil
}

func isLocalMax(data []float32, w, x, y int, window image.Rectangle) bool {
	v := data[y*w+x]
	for yy := window.Min.Y; yy < window.Max.Y; yy++ {
		for _, o := range data[yy*w+window.Min.X : yy*w+window.Max.X] {
			if o > v {
				return false
			}
		}
	}
	return true
}

// mergeCandidates keeps the stronger of any two candidates closer than dist.
func mergeCandidates(cands []Candidate, dist float64, m *ScanMetrics) []Candidate {
	limit := dist * dist
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		dup := false
		for _, k := range out {
			if float64(c.dist2(k)) < limit {
				dup = true
				break
			}
		}
		if dup {
			m.Merged++
			continue
		}
		out = append(out, c)
	}
	return out
}

// dropClosePairs removes candidates that would share a search box. When one
// of the pair is at least brightRatio times stronger only the fainter goes.
func dropClosePairs(cands []Candidate, fullWidth int, brightRatio float64, m *ScanMetrics) []Candidate {
	drop := make([]bool, len(cands))
	for i := range cands {
		for j := i + 1; j < len(cands); j++ {
			a, b := cands[i], cands[j]
			if absInt(a.X-b.X) > fullWidth || absInt(a.Y-b.Y) > fullWidth {
				continue
			}
			drop[j] = true
			if a.Score < brightRatio*b.Score {
				drop[i] = true
			}
		}
	}
	out := make([]Candidate, 0, len(cands))
	for i, c := range cands {
		if drop[i] {
			m.ClosePairs++
			continue
		}
		out = append(out, c)
	}
	return out
}

// saturationLevel returns the frame maximum when a saturated star sits at it,
// otherwise the sensor full-scale level.
func saturationLevel(frame *Frame, stars []ScanStar) uint16 {
	maxVal := frame.MaxValue()
	for _, s := range stars {
		if s.Status == StatusSaturated && uint32(maxVal-s.PeakValue)*255 <= uint32(maxVal) {
			return maxVal
		}
	}
	return frame.SaturationLevel()
}
