package starguide

// DebayerFrame interpolates a raw RGGB one-shot-colour frame and returns a
// luminance frame of the same geometry, (R+G+B)/3 per pixel. Edges replicate
// their nearest neighbour. The pedestal and subframe carry over.
//
//	even row: R G R G ...
//	odd row:  G B G B ...
func DebayerFrame(f *Frame) *Frame {
	if !f.valid() {
		return nil
	}
	w, h := f.Width, f.Height
	px := func(x, y int) uint32 {
		return uint32(f.Pixels[clampInt(y, 0, h-1)*w+clampInt(x, 0, w-1)])
	}
	cross := func(x, y int) uint32 {
		return (px(x-1, y) + px(x+1, y) + px(x, y-1) + px(x, y+1)) / 4
	}
	diag := func(x, y int) uint32 {
		return (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
	}

	out := make([]uint16, len(f.Pixels))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b uint32
			switch {
			case y%2 == 0 && x%2 == 0:
				r, g, b = px(x, y), cross(x, y), diag(x, y)
			case y%2 == 0:
				r = (px(x-1, y) + px(x+1, y)) / 2
				g = px(x, y)
				b = (px(x, y-1) + px(x, y+1)) / 2
			case x%2 == 0:
				r = (px(x, y-1) + px(x, y+1)) / 2
				g = px(x, y)
				b = (px(x-1, y) + px(x+1, y)) / 2
			default:
				r, g, b = diag(x, y), cross(x, y), px(x, y)
			}
			out[y*w+x] = uint16((r + g + b) / 3)
		}
	}

	return &Frame{
		Width:    w,
		Height:   h,
		BitDepth: f.BitDepth,
		Pedestal: f.Pedestal,
		Subframe: f.Subframe,
		Pixels:   out,
	}
}
