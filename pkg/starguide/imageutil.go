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

	"gonum.org/v1/gonum/stat"
)

// runningStats accumulates mean and variance in one pass (Welford).
type runningStats struct {
	n    int
	mean float64
	m2   float64
}

func (s *runningStats) add(v float64) {
	s.n++
	delta := v - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (v - s.mean)
}

// variance is the sample variance. Zero with fewer than two samples.
func (s *runningStats) variance() float64 {
	if s.n < 2 {
		return 0
	}
	return s.m2 / float64(s.n-1)
}

// regionStats returns the population mean and standard deviation of the
// rows x cols float buffer inside r.
func regionStats(data []float32, cols int, r image.Rectangle, buf []float64) (float64, float64) {
	buf = buf[:0]
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for _, v := range data[y*cols+r.Min.X : y*cols+r.Max.X] {
			buf = append(buf, float64(v))
		}
	}
	if len(buf) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(buf, nil)
}

// Matched-filter ring weights for a typical guide star profile, inner to
// outer: A, B1, B2, C1, C2, C3, D1, D2, D3.
var psfRingWeights = [9]float64{0.906, 0.584, 0.365, 0.117, 0.049, -0.05, -0.064, -0.074, -0.094}

const psfRadius = 4

// psfRing maps a kernel offset to its ring index in psfRingWeights.
func psfRing(dx, dy int) int {
	a, b := absInt(dx), absInt(dy)
	if b > a {
		a, b = b, a
	}
	switch {
	case a == 0:
		return 0
	case a == 1:
		return 1 + b
	case a == 2:
		return 3 + b
	case a == 3 && b < 2:
		return 6 + b
	default:
		return 8
	}
}

// newPSFKernel builds the 9x9 matched-filter kernel. Each ring weight is
// applied to the ring sum minus its share of the window mean, which folds
// into a constant subtracted from every cell.
func newPSFKernel() Mat {
	const size = 2*psfRadius + 1
	var weights [size * size]float64
	var total float64
	for dy := -psfRadius; dy <= psfRadius; dy++ {
		for dx := -psfRadius; dx <= psfRadius; dx++ {
			w := psfRingWeights[psfRing(dx, dy)]
			weights[(dy+psfRadius)*size+dx+psfRadius] = w
			total += w
		}
	}
	shift := total / float64(size*size)

	kernel := NewMatWithSize(size, size)
	data := kernel.DataFloat32()
	for i, w := range weights {
		data[i] = float32(w - shift)
	}
	return kernel
}

// upperMedian returns the element at index n/2 of the sorted values.
func upperMedian(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
