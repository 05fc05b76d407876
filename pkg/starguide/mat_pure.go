//go:build purego || js

package starguide

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 {
	return m.data
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func sort2(a, b *float32) {
	if *a > *b {
		*a, *b = *b, *a
	}
}

// median9 returns the median of nine values with a fixed exchange network.
func median9(p [9]float32) float32 {
	sort2(&p[1], &p[2])
	sort2(&p[4], &p[5])
	sort2(&p[7], &p[8])
	sort2(&p[0], &p[1])
	sort2(&p[3], &p[4])
	sort2(&p[6], &p[7])
	sort2(&p[1], &p[2])
	sort2(&p[4], &p[5])
	sort2(&p[7], &p[8])
	sort2(&p[0], &p[3])
	sort2(&p[5], &p[8])
	sort2(&p[4], &p[7])
	sort2(&p[3], &p[6])
	sort2(&p[1], &p[4])
	sort2(&p[2], &p[5])
	sort2(&p[4], &p[7])
	sort2(&p[4], &p[2])
	sort2(&p[6], &p[4])
	sort2(&p[4], &p[2])
	return p[4]
}

// medianBlur3 replaces each pixel with the median of its 3x3 neighborhood.
// Borders replicate the edge pixels.
func medianBlur3(src Mat, dst *Mat) {
	rows, cols := src.rows, src.cols
	result := make([]float32, rows*cols)

	var p [9]float32
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := 0
			for dr := -1; dr <= 1; dr++ {
				off := clampIndex(r+dr, rows) * cols
				for dc := -1; dc <= 1; dc++ {
					p[i] = src.data[off+clampIndex(c+dc, cols)]
					i++
				}
			}
			result[r*cols+c] = median9(p)
		}
	}

	*dst = Mat{data: result, rows: rows, cols: cols}
}

// filter2D correlates src with kernel. Pixels closer to the border than half
// the kernel size are left at zero.
func filter2D(src Mat, dst *Mat, kernel Mat) {
	rows, cols := src.rows, src.cols
	kr, kc := kernel.rows, kernel.cols
	hr, hc := kr/2, kc/2
	result := make([]float32, rows*cols)

	for r := hr; r < rows-hr; r++ {
		for c := hc; c < cols-hc; c++ {
			var sum float32
			for i := 0; i < kr; i++ {
				srow := src.data[(r-hr+i)*cols+c-hc:]
				krow := kernel.data[i*kc : (i+1)*kc]
				for j, w := range krow {
					sum += srow[j] * w
				}
			}
			result[r*cols+c] = sum
		}
	}

	*dst = Mat{data: result, rows: rows, cols: cols}
}
