package starguide

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayView is what the overlay draws on top of a frame.
type OverlayView struct {
	Primary            *StarSnapshot
	Secondaries        []StarSnapshot
	SearchRegion       int
	RotationCorrection float64
	Status             string
}

// OverlayView captures the current tracker state for rendering.
func (t *Tracker) OverlayView(st FrameStatus) OverlayView {
	v := OverlayView{
		Secondaries:        t.Secondaries(),
		SearchRegion:       t.SearchRegion(),
		RotationCorrection: t.rotationCorrection,
		Status:             st.Message(),
	}
	if p, ok := t.Primary(); ok {
		v.Primary = &p
	}
	return v
}

var (
	primaryColor   = color.RGBA{60, 220, 60, 255}
	validColor     = color.RGBA{240, 220, 40, 255}
	invalidColor   = color.RGBA{230, 50, 50, 255}
	trailColor     = color.RGBA{90, 140, 255, 255}
	expectedColor  = color.RGBA{200, 120, 255, 255}
	statusColor    = color.RGBA{220, 220, 220, 255}
	statusBarColor = color.RGBA{0, 0, 0, 255}
)

// RenderOverlay draws the tracked stars over a stretched copy of the frame
// and writes it as JPEG.
func RenderOverlay(frame *Frame, view OverlayView, outputPath string) error {
	img, err := renderOverlayImage(frame, view)
	if err != nil {
		return err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrap(err, "create overlay file")
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return errors.Wrap(err, "encode overlay")
	}
	return errors.Wrap(f.Close(), "close overlay file")
}

// RenderOverlayBytes is RenderOverlay returning the JPEG bytes.
func RenderOverlayBytes(frame *Frame, view OverlayView) ([]byte, error) {
	img, err := renderOverlayImage(frame, view)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, errors.Wrap(err, "encode overlay")
	}
	return buf.Bytes(), nil
}

func renderOverlayImage(frame *Frame, view OverlayView) (*image.RGBA, error) {
	if !frame.valid() {
		return nil, errors.Wrap(ErrInvalidFrame, "overlay")
	}

	const targetWidth = 800
	scale := float64(targetWidth) / float64(frame.Width)
	imgW := targetWidth
	imgH := frame.Height * targetWidth / frame.Width
	if imgH < 100 {
		imgH = 100
	}
	const statusH = 24
	img := image.NewRGBA(image.Rect(0, 0, imgW, imgH+statusH))

	lo, hi := stretchLimits(frame)
	span := math.Max(hi-lo, 1)
	for y := 0; y < imgH; y++ {
		sy := clampInt(int(float64(y)/scale), 0, frame.Height-1)
		for x := 0; x < imgW; x++ {
			sx := clampInt(int(float64(x)/scale), 0, frame.Width-1)
			v := (float64(frame.At(sx, sy)) - lo) / span
			g := uint8(255 * math.Sqrt(math.Max(0, math.Min(v, 1))))
			img.SetRGBA(x, y, color.RGBA{g, g, g, 255})
		}
	}
	for y := imgH; y < imgH+statusH; y++ {
		for x := 0; x < imgW; x++ {
			img.SetRGBA(x, y, statusBarColor)
		}
	}

	toImg := func(p Point2d) (int, int) {
		return int(p.X * scale), int(p.Y * scale)
	}
	radius := int(float64(view.SearchRegion) * scale)
	if radius < 4 {
		radius = 4
	}

	for _, s := range view.Secondaries {
		drawTrail(img, s.History, s.Position, toImg)
		cx, cy := toImg(s.Position)
		c := validColor
		if !s.Valid {
			c = invalidColor
			if s.LastExpectedPosition != (Point2d{}) {
				ex, ey := toImg(s.LastExpectedPosition)
				drawDashedLine(img, cx, cy, ex, ey, expectedColor)
				drawCircle(img, ex, ey, 2, expectedColor)
			}
		}
		drawCircle(img, cx, cy, radius, c)
	}

	if p := view.Primary; p != nil {
		drawTrail(img, p.History, p.Position, toImg)
		cx, cy := toImg(p.Position)
		drawRect(img, image.Rect(cx-radius, cy-radius, cx+radius, cy+radius), primaryColor)
	}

	face := basicfont.Face7x13
	line := view.Status
	if view.RotationCorrection != 0 {
		line += fmt.Sprintf("  rot=%.3f deg", view.RotationCorrection)
	}
	line += fmt.Sprintf("  stars=%d", len(view.Secondaries))
	drawText(img, face, line, 8, imgH+17, statusColor)

	return img, nil
}

// stretchLimits returns the median and maximum of a coarse pixel sample.
func stretchLimits(frame *Frame) (float64, float64) {
	step := len(frame.Pixels)/4096 + 1
	sample := make([]float64, 0, len(frame.Pixels)/step+1)
	var maxVal float64
	for i := 0; i < len(frame.Pixels); i += step {
		v := float64(frame.Pixels[i])
		sample = append(sample, v)
		if v > maxVal {
			maxVal = v
		}
	}
	if m := float64(frame.MaxValue()); m > maxVal {
		maxVal = m
	}
	return upperMedian(sample), maxVal
}

func drawTrail(img *image.RGBA, history []Point2d, current Point2d, toImg func(Point2d) (int, int)) {
	if len(history) == 0 {
		return
	}
	px, py := toImg(history[0])
	for i := 1; i <= len(history); i++ {
		next := current
		if i < len(history) {
			next = history[i]
		}
		x, y := toImg(next)
		drawLine(img, px, py, x, y, trailColor)
		px, py = x, y
	}
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for x := r.Min.X; x <= r.Max.X; x++ {
		img.Set(x, r.Min.Y, c)
		img.Set(x, r.Max.Y, c)
	}
	for y := r.Min.Y; y <= r.Max.Y; y++ {
		img.Set(r.Min.X, y, c)
		img.Set(r.Max.X, y, c)
	}
}

// drawCircle draws a circle outline with the midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x, y, e := radius, 0, 0
	for x >= y {
		for _, d := range [8][2]int{{x, y}, {y, x}, {-y, x}, {-x, y}, {-x, -y}, {-y, -x}, {y, -x}, {x, -y}} {
			img.Set(cx+d[0], cy+d[1], c)
		}
		y++
		e += 1 + 2*y
		if 2*(e-x)+1 > 0 {
			x--
			e += 1 - 2*x
		}
	}
}

// drawLine is Bresenham.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	bresenham(x0, y0, x1, y1, func(x, y, _ int) { img.Set(x, y, c) })
}

func drawDashedLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	bresenham(x0, y0, x1, y1, func(x, y, i int) {
		if i%6 < 3 {
			img.Set(x, y, c)
		}
	})
}

func bresenham(x0, y0, x1, y1 int, plot func(x, y, i int)) {
	dx := absInt(x1 - x0)
	dy := -absInt(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for i := 0; ; i++ {
		plot(x0, y0, i)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}
