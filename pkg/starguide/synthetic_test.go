package starguide

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type testStar struct {
	X, Y      float64
	Amplitude float64
	Sigma     float64
}

type fieldSpec struct {
	Width, Height int
	Background    float64
	Noise         float64
	Seed          int64
}

var defaultField = fieldSpec{Width: 480, Height: 360, Background: 1000, Noise: 5, Seed: 1}

// renderField draws Gaussian stars sampled at pixel centres over a noisy
// background, clipped to 16 bits.
func renderField(t *testing.T, fs fieldSpec, stars []testStar) *Frame {
	t.Helper()
	rng := rand.New(rand.NewSource(fs.Seed))
	pixels := make([]uint16, fs.Width*fs.Height)
	for y := 0; y < fs.Height; y++ {
		for x := 0; x < fs.Width; x++ {
			v := fs.Background + fs.Noise*rng.NormFloat64()
			for _, s := range stars {
				dx, dy := float64(x)-s.X, float64(y)-s.Y
				if dx*dx+dy*dy > 100*s.Sigma*s.Sigma {
					continue
				}
				v += s.Amplitude * math.Exp(-(dx*dx+dy*dy)/(2*s.Sigma*s.Sigma))
			}
			pixels[y*fs.Width+x] = uint16(math.Max(0, math.Min(math.Round(v), 65535)))
		}
	}
	frame, err := NewFrame(fs.Width, fs.Height, 16, pixels)
	require.NoError(t, err)
	return frame
}

func star(x, y, amplitude float64) testStar {
	return testStar{X: x, Y: y, Amplitude: amplitude, Sigma: 1.5}
}

// constellation is a primary at the centre of a 480x360 frame plus five
// fainter secondaries, all at least 80 px apart and 60 px from the edges.
// Every star shares the same sub-pixel phase so brightness orders the
// filter response.
func constellation() []testStar {
	return []testStar{
		star(240.3, 180.2, 3000),
		star(360.3, 180.2, 2000),
		star(240.3, 60.2, 1800),
		star(120.3, 180.2, 1600),
		star(240.3, 300.2, 1400),
		star(340.3, 280.2, 1200),
	}
}

// transform moves every star by (dx, dy) and rotates it by deg degrees
// around the first star.
func transform(stars []testStar, dx, dy, deg float64) []testStar {
	out := make([]testStar, len(stars))
	c := stars[0]
	sin, cos := math.Sincos(deg * math.Pi / 180)
	for i, s := range stars {
		rx, ry := s.X-c.X, s.Y-c.Y
		s.X = c.X + rx*cos - ry*sin + dx
		s.Y = c.Y + rx*sin + ry*cos + dy
		out[i] = s
	}
	return out
}

func without(stars []testStar, idx int) []testStar {
	out := make([]testStar, 0, len(stars)-1)
	out = append(out, stars[:idx]...)
	return append(out, stars[idx+1:]...)
}

func nearest(snaps []StarSnapshot, p Point2d) (StarSnapshot, bool) {
	best, bestD := StarSnapshot{}, math.Inf(1)
	for _, s := range snaps {
		if d := s.Position.Distance(p); d < bestD {
			best, bestD = s, d
		}
	}
	return best, bestD < 20
}

func flatFrame(t *testing.T, w, h int, value uint16) *Frame {
	t.Helper()
	pixels := make([]uint16, w*h)
	for i := range pixels {
		pixels[i] = value
	}
	frame, err := NewFrame(w, h, 16, pixels)
	require.NoError(t, err)
	return frame
}
