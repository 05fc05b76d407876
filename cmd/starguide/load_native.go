//go:build !purego && !js

package main

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	sg "starguide/pkg/starguide"
)

// loadNonFitsImage reads PNG, JPEG or TIFF through OpenCV as 16-bit
// grayscale.
func loadNonFitsImage(path string) (*sg.Frame, error) {
	src := gocv.IMRead(path, gocv.IMReadAnyDepth|gocv.IMReadGrayScale)
	if src.Empty() {
		return nil, errors.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if src.Type() == gocv.MatTypeCV8U {
		src.ConvertToWithParams(&gray, gocv.MatTypeCV16U, 257, 0)
	} else {
		src.ConvertTo(&gray, gocv.MatTypeCV16U)
	}

	w, h := gray.Cols(), gray.Rows()
	data, err := gray.DataPtrUint16()
	if err != nil {
		return nil, errors.Wrap(err, "reading pixels")
	}
	pixels := make([]uint16, w*h)
	copy(pixels, data[:w*h])
	return sg.NewFrame(w, h, 16, pixels)
}
