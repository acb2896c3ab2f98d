package frames

import (
	"fmt"
	"sync/atomic"
)

// ColorSample is a color image captured outside the driver. Its lifetime is
// owned by the capturer: code that keeps a sample beyond the call that
// supplied it must Retain it and Release it exactly once when done.
type ColorSample interface {
	// Timestamp is in seconds on the device monotonic clock.
	Timestamp() float64
	Retain()
	Release()
}

// ColorBuffer is a reference-counted ColorSample backed by a byte slice. It
// starts with one reference owned by its creator. When the count reaches
// zero the optional free callback runs, typically returning the pixel buffer
// to the capturer's pool.
type ColorBuffer struct {
	ts     float64
	Width  int
	Height int
	Pixels []byte

	refs atomic.Int32
	free func(*ColorBuffer)
}

// NewColorBuffer creates a sample with a single reference.
func NewColorBuffer(timestamp float64, width, height int, pixels []byte, free func(*ColorBuffer)) *ColorBuffer {
	b := &ColorBuffer{
		ts:     timestamp,
		Width:  width,
		Height: height,
		Pixels: pixels,
		free:   free,
	}
	b.refs.Store(1)
	return b
}

func (b *ColorBuffer) Timestamp() float64 { return b.ts }

func (b *ColorBuffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("frames: Retain on released ColorBuffer")
	}
}

func (b *ColorBuffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.free != nil {
			b.free(b)
		}
	case n < 0:
		panic("frames: ColorBuffer released too many times")
	}
}

// Refs returns the current reference count.
func (b *ColorBuffer) Refs() int { return int(b.refs.Load()) }

func (b *ColorBuffer) String() string {
	return fmt.Sprintf("color %dx%d ts=%.6f refs=%d", b.Width, b.Height, b.ts, b.Refs())
}
