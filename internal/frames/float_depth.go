package frames

import "math"

// FloatDepthFrame is a depth image in metric millimeters. Pixels without a
// reading are NaN.
type FloatDepthFrame struct {
	Width     int
	Height    int
	Timestamp float64
	// Millimeters holds Width*Height values in row-major order.
	Millimeters []float32

	reg        *Registration
	registered bool
	toColor    *FloatDepthFrame
}

// NewFloatDepthFrame returns an empty frame. reg is used by
// RegisteredToColor; registered marks frames whose source stream is already
// aligned to the color camera.
func NewFloatDepthFrame(reg *Registration, registered bool) *FloatDepthFrame {
	return &FloatDepthFrame{reg: reg, registered: registered}
}

// NewFloatDepthFrameFrom returns a deep copy of src.
func NewFloatDepthFrameFrom(src *FloatDepthFrame) *FloatDepthFrame {
	c := &FloatDepthFrame{
		Width:       src.Width,
		Height:      src.Height,
		Timestamp:   src.Timestamp,
		Millimeters: make([]float32, len(src.Millimeters)),
		reg:         src.reg,
		registered:  src.registered,
	}
	copy(c.Millimeters, src.Millimeters)
	return c
}

// UpdateFromDepthFrame recomputes metric values from a raw depth frame,
// reusing the existing buffer when it is large enough.
func (f *FloatDepthFrame) UpdateFromDepthFrame(src *Frame) {
	n := src.Width * src.Height
	if cap(f.Millimeters) < n {
		f.Millimeters = make([]float32, n)
	}
	f.Millimeters = f.Millimeters[:n]
	f.Width = src.Width
	f.Height = src.Height
	f.Timestamp = src.Timestamp
	f.toColor = nil

	nan := float32(math.NaN())
	for i, raw := range src.Data[:n] {
		if raw == 0 {
			f.Millimeters[i] = nan
			continue
		}
		f.Millimeters[i] = float32(raw)
	}
}

// At returns the depth at (x, y) in millimeters.
func (f *FloatDepthFrame) At(x, y int) float32 { return f.Millimeters[y*f.Width+x] }

// RegisteredToColor returns the frame as seen from the color camera and
// reports whether it is in that viewpoint. Frames from a registered stream
// are returned as is. Without a registration for this resolution it returns
// f itself and false. The warp is computed on first use and cached until the
// next UpdateFromDepthFrame.
func (f *FloatDepthFrame) RegisteredToColor() (*FloatDepthFrame, bool) {
	if f.registered {
		return f, true
	}
	if f.reg == nil || !f.reg.Fits(f.Width, f.Height) {
		return f, false
	}
	if f.toColor != nil {
		return f.toColor, true
	}
	out := &FloatDepthFrame{
		Width:       f.Width,
		Height:      f.Height,
		Timestamp:   f.Timestamp,
		Millimeters: make([]float32, len(f.Millimeters)),
		registered:  true,
	}
	f.reg.WarpMillimeters(out.Millimeters, f.Millimeters)
	f.toColor = out
	return out, true
}

// ValidPixels counts pixels with a depth reading.
func (f *FloatDepthFrame) ValidPixels() int {
	n := 0
	for _, v := range f.Millimeters {
		if v == v {
			n++
		}
	}
	return n
}
