package starguide

import (
	"image"

	"github.com/pkg/errors"
)

// Frame is a single monochrome camera exposure.
type Frame struct {
	Width    int
	Height   int
	BitDepth int
	// Pedestal is the offset added to every pixel by the camera or by dark
	// subtraction.
	Pedestal uint16
	// Subframe is the valid region when the camera read out only part of the
	// sensor. Empty means the full frame is valid.
	Subframe image.Rectangle
	// Pixels is row-major, Width*Height long.
	Pixels []uint16
}

// NewFrame validates the dimensions and wraps pixels without copying.
func NewFrame(width, height, bitDepth int, pixels []uint16) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidFrame, "dimensions %dx%d", width, height)
	}
	if len(pixels) != width*height {
		return nil, errors.Wrapf(ErrInvalidFrame, "got %d pixels for %dx%d", len(pixels), width, height)
	}
	if bitDepth < 1 || bitDepth > 16 {
		return nil, errors.Wrapf(ErrInvalidFrame, "bit depth %d", bitDepth)
	}
	return &Frame{Width: width, Height: height, BitDepth: bitDepth, Pixels: pixels}, nil
}

// SetSubframe restricts the valid region. An empty rectangle clears it.
func (f *Frame) SetSubframe(r image.Rectangle) error {
	if r.Empty() {
		f.Subframe = image.Rectangle{}
		return nil
	}
	if !r.In(f.fullBounds()) {
		return errors.Wrapf(ErrInvalidFrame, "subframe %v outside %dx%d", r, f.Width, f.Height)
	}
	f.Subframe = r
	return nil
}

func (f *Frame) fullBounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// IsSubframe reports whether only part of the frame holds valid data.
func (f *Frame) IsSubframe() bool {
	return !f.Subframe.Empty() && f.Subframe != f.fullBounds()
}

// ActiveBounds returns the region holding valid pixels.
func (f *Frame) ActiveBounds() image.Rectangle {
	if f.Subframe.Empty() {
		return f.fullBounds()
	}
	return f.Subframe
}

// At returns the pixel at (x, y). The caller is responsible for bounds.
func (f *Frame) At(x, y int) uint16 {
	return f.Pixels[y*f.Width+x]
}

// MaxValue returns the brightest pixel inside the active bounds.
func (f *Frame) MaxValue() uint16 {
	b := f.ActiveBounds()
	var maxVal uint16
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := f.Pixels[y*f.Width+b.Min.X : y*f.Width+b.Max.X]
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
	}
	return maxVal
}

// SaturationLevel is the sensor full-well ADU value plus the pedestal,
// capped at the uint16 range.
func (f *Frame) SaturationLevel() uint16 {
	level := (uint32(1) << uint(f.BitDepth)) - 1 + uint32(f.Pedestal)
	if level > 65535 {
		level = 65535
	}
	return uint16(level)
}

func (f *Frame) valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pixels) == f.Width*f.Height
}

// toMat converts the raw counts to a float32 Mat. Values are not normalized.
func (f *Frame) toMat() Mat {
	mat := NewMatWithSize(f.Height, f.Width)
	dest := mat.DataFloat32()
	for i, v := range f.Pixels {
		dest[i] = float32(v)
	}
	return mat
}

// FrameFromFits wraps decoded FITS pixels. The PEDESTAL header, when present,
// becomes the frame pedestal.
func FrameFromFits(data *FitsImageData) (*Frame, error) {
	if data == nil {
		return nil, errors.Wrap(ErrInvalidFrame, "nil FITS data")
	}
	frame, err := NewFrame(data.Width, data.Height, data.BitDepth, data.Pixels)
	if err != nil {
		return nil, err
	}
	if data.Metadata != nil {
		if ped, ok := data.Metadata.GetInt("PEDESTAL"); ok && ped > 0 && ped <= 65535 {
			frame.Pedestal = uint16(ped)
		}
	}
	return frame, nil
}

// LoadFrame reads a FITS file into a Frame.
func LoadFrame(path string) (*Frame, error) {
	data, err := ReadFits(path)
	if err != nil {
		return nil, err
	}
	return FrameFromFits(data)
}
