package frames

import (
	"fmt"
	"math"

	"github.com/banshee-data/depthkit/internal/calibration"
)

// Intrinsics is a pinhole camera model for an image of Width x Height pixels.
type Intrinsics struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Scaled returns the intrinsics for the same camera resampled to
// width x height.
func (in Intrinsics) Scaled(width, height int) Intrinsics {
	if in.Width == width && in.Height == height {
		return in
	}
	sx := float64(width) / float64(in.Width)
	sy := float64(height) / float64(in.Height)
	return Intrinsics{
		Fx:     in.Fx * sx,
		Fy:     in.Fy * sy,
		Cx:     (in.Cx+0.5)*sx - 0.5,
		Cy:     (in.Cy+0.5)*sy - 0.5,
		Width:  width,
		Height: height,
	}
}

// Valid reports whether the model can be used for projection.
func (in Intrinsics) Valid() bool {
	return in.Fx > 0 && in.Fy > 0 && in.Width > 0 && in.Height > 0
}

// Registration reprojects depth images from the sensor viewpoint into the
// color camera viewpoint. The output keeps the depth image's resolution.
type Registration struct {
	depth Intrinsics
	color Intrinsics
	// sensorToColor is the inverse of the color camera pose in the sensor
	// frame, with translation converted to millimeters.
	sensorToColor calibration.Extrinsics
}

// NewRegistration prepares a registration for depth images described by
// depth, a color camera described by color, and the color camera pose in
// the sensor frame.
func NewRegistration(depth, color Intrinsics, colorPose calibration.Extrinsics) (*Registration, error) {
	if !depth.Valid() || !color.Valid() {
		return nil, fmt.Errorf("registration requires valid intrinsics")
	}
	if err := colorPose.Validate(); err != nil {
		return nil, fmt.Errorf("registration extrinsics: %w", err)
	}
	inv := colorPose.Inverse()
	inv[12] *= 1000
	inv[13] *= 1000
	inv[14] *= 1000
	return &Registration{
		depth:         depth,
		color:         color.Scaled(depth.Width, depth.Height),
		sensorToColor: inv,
	}, nil
}

// Fits reports whether the registration was prepared for width x height
// depth images.
func (r *Registration) Fits(width, height int) bool {
	return r.depth.Width == width && r.depth.Height == height
}

// WarpMillimeters reprojects src (NaN = invalid) into dst. Both slices must
// hold width*height values matching the depth intrinsics. Where several
// source pixels land on one target pixel the nearest wins.
func (r *Registration) WarpMillimeters(dst, src []float32) {
	w, h := r.depth.Width, r.depth.Height
	nan := float32(math.NaN())
	for i := range dst[:w*h] {
		dst[i] = nan
	}
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			z := src[v*w+u]
			if z != z || z <= 0 {
				continue
			}
			tu, tv, tz, ok := r.project(u, v, float64(z))
			if !ok {
				continue
			}
			idx := tv*w + tu
			cur := dst[idx]
			if cur != cur || float32(tz) < cur {
				dst[idx] = float32(tz)
			}
		}
	}
}

// WarpRaw is WarpMillimeters for raw depth where 0 means no reading.
func (r *Registration) WarpRaw(dst, src []uint16) {
	w, h := r.depth.Width, r.depth.Height
	for i := range dst[:w*h] {
		dst[i] = 0
	}
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			z := src[v*w+u]
			if z == 0 {
				continue
			}
			tu, tv, tz, ok := r.project(u, v, float64(z))
			if !ok || tz > math.MaxUint16 {
				continue
			}
			idx := tv*w + tu
			nz := uint16(math.Round(tz))
			if nz == 0 {
				continue
			}
			if cur := dst[idx]; cur == 0 || nz < cur {
				dst[idx] = nz
			}
		}
	}
}

func (r *Registration) project(u, v int, z float64) (int, int, float64, bool) {
	x := (float64(u) - r.depth.Cx) * z / r.depth.Fx
	y := (float64(v) - r.depth.Cy) * z / r.depth.Fy
	cx, cy, cz := r.sensorToColor.Apply(x, y, z)
	if cz <= 0 {
		return 0, 0, 0, false
	}
	tu := int(math.Round(r.color.Fx*cx/cz + r.color.Cx))
	tv := int(math.Round(r.color.Fy*cy/cz + r.color.Cy))
	if tu < 0 || tv < 0 || tu >= r.depth.Width || tv >= r.depth.Height {
		return 0, 0, 0, false
	}
	return tu, tv, cz, true
}
