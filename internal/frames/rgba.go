package frames

import (
	"fmt"
	"image"
	"math"

	"github.com/banshee-data/depthkit/internal/sensorerr"
)

// RGBAStrategy selects how depth is mapped to color.
type RGBAStrategy int

const (
	// RedToBlueGradient maps the nearest depth to pure red and the farthest
	// to pure blue.
	RedToBlueGradient RGBAStrategy = iota
	// Gray maps depth linearly to intensity, near is bright.
	Gray
)

func (s RGBAStrategy) String() string {
	switch s {
	case RedToBlueGradient:
		return "red-to-blue"
	case Gray:
		return "gray"
	default:
		return fmt.Sprintf("RGBAStrategy(%d)", int(s))
	}
}

// DepthToRGBA converts float depth frames to RGBA images for display. The
// output buffer is reused between calls.
type DepthToRGBA struct {
	Width    int
	Height   int
	Strategy RGBAStrategy
	MinMM    float32
	MaxMM    float32

	img *image.RGBA
}

// NewDepthToRGBA creates a converter for width x height frames covering the
// [minMM, maxMM] depth range.
func NewDepthToRGBA(width, height int, strategy RGBAStrategy, minMM, maxMM float32) (*DepthToRGBA, error) {
	if strategy != RedToBlueGradient && strategy != Gray {
		return nil, sensorerr.New(sensorerr.OptionInvalidValue, "unknown depth to RGBA strategy %d", int(strategy))
	}
	if width <= 0 || height <= 0 {
		return nil, sensorerr.New(sensorerr.InvalidValue, "invalid output size %dx%d", width, height)
	}
	if !(maxMM > minMM) || minMM < 0 {
		return nil, sensorerr.New(sensorerr.InvalidValue, "invalid depth range [%g, %g]", minMM, maxMM)
	}
	return &DepthToRGBA{
		Width:    width,
		Height:   height,
		Strategy: strategy,
		MinMM:    minMM,
		MaxMM:    maxMM,
		img:      image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Convert renders f into the converter's buffer and returns it. Pixels
// without depth are black. The returned image is overwritten by the next
// call.
func (c *DepthToRGBA) Convert(f *FloatDepthFrame) (*image.RGBA, error) {
	if f.Width != c.Width || f.Height != c.Height {
		return nil, sensorerr.New(sensorerr.InvalidValue,
			"frame %dx%d does not match converter %dx%d", f.Width, f.Height, c.Width, c.Height)
	}
	span := c.MaxMM - c.MinMM
	pix := c.img.Pix
	for i, z := range f.Millimeters {
		o := i * 4
		if z != z || z <= 0 {
			pix[o], pix[o+1], pix[o+2], pix[o+3] = 0, 0, 0, 255
			continue
		}
		t := (z - c.MinMM) / span
		t = float32(math.Max(0, math.Min(1, float64(t))))

		switch c.Strategy {
		case Gray:
			g := uint8(math.Round(float64(1-t) * 255))
			pix[o], pix[o+1], pix[o+2] = g, g, g
		default:
			r, g, b := redToBlue(t)
			pix[o], pix[o+1], pix[o+2] = r, g, b
		}
		pix[o+3] = 255
	}
	return c.img, nil
}

// RGBA returns the last rendered buffer.
func (c *DepthToRGBA) RGBA() []uint8 { return c.img.Pix }

// redToBlue walks the hue wheel from red (t=0) through green to blue (t=1).
func redToBlue(t float32) (uint8, uint8, uint8) {
	if t < 0.5 {
		s := t * 2
		return uint8(math.Round(float64(1-s) * 255)), uint8(math.Round(float64(s) * 255)), 0
	}
	s := (t - 0.5) * 2
	return 0, uint8(math.Round(float64(1-s) * 255)), uint8(math.Round(float64(s) * 255))
}
