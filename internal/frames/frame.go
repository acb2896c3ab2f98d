// Package frames defines the raw and derived image types produced by the
// sensor, the pooled buffers they live in, and the host-side processing
// applied to them (hole filling, registration to the color camera, depth
// visualisation).
//
// A *Frame handed to an observer is borrowed: it is valid only for the
// duration of the callback. Callers that need the data afterwards must Clone
// it.
package frames

import "fmt"

// Kind identifies the sensor stream a frame came from.
type Kind uint8

const (
	KindDepth Kind = iota + 1
	KindInfrared
)

func (k Kind) String() string {
	switch k {
	case KindDepth:
		return "depth"
	case KindInfrared:
		return "infrared"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Frame is a raw sensor image. Depth pixels are millimeters with 0 meaning
// no reading; infrared pixels are raw intensities.
type Frame struct {
	Kind   Kind
	Width  int
	Height int
	// Timestamp is in seconds on the device's monotonic clock, the same
	// clock used by motion and color capture.
	Timestamp float64
	// Sequence is the link-level frame counter.
	Sequence uint32
	// Data holds Width*Height pixels in row-major order.
	Data []uint16
}

// Len returns the expected pixel count.
func (f *Frame) Len() int { return f.Width * f.Height }

// Valid reports whether the frame's buffer matches its dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) == f.Len()
}

// At returns the pixel at (x, y).
func (f *Frame) At(x, y int) uint16 { return f.Data[y*f.Width+x] }

// Clone returns a deep copy in freshly allocated storage owned by the caller.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = make([]uint16, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// CopyFrom overwrites f with src, reusing f's buffer when it is large
// enough.
func (f *Frame) CopyFrom(src *Frame) {
	data := f.Data
	if cap(data) < len(src.Data) {
		data = make([]uint16, len(src.Data))
	}
	data = data[:len(src.Data)]
	copy(data, src.Data)
	*f = *src
	f.Data = data
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s frame #%d %dx%d ts=%.6f", f.Kind, f.Sequence, f.Width, f.Height, f.Timestamp)
}
