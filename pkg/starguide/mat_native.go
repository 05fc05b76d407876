//go:build !purego && !js

package starguide

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat { return Mat{m: gocv.NewMat()} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)}
}

func (mat Mat) Rows() int   { return mat.m.Rows() }
func (mat Mat) Cols() int   { return mat.m.Cols() }
func (mat Mat) Empty() bool { return mat.m.Empty() }
func (mat *Mat) Close()     { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// medianBlur3 is a 3x3 median filter.
func medianBlur3(src Mat, dst *Mat) {
	gocv.MedianBlur(src.m, &dst.m, 3)
}

// filter2D correlates src with kernel, then clears the border band that the
// kernel could not cover so both backends agree.
func filter2D(src Mat, dst *Mat, kernel Mat) {
	gocv.Filter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernel.m, image.Pt(-1, -1), 0, gocv.BorderReplicate)
	zeroBorder(*dst, kernel.Rows()/2, kernel.Cols()/2)
}

func zeroBorder(m Mat, hr, hc int) {
	rows, cols := m.Rows(), m.Cols()
	data := m.DataFloat32()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if r < hr || r >= rows-hr || c < hc || c >= cols-hc {
				data[r*cols+c] = 0
			}
		}
	}
}
