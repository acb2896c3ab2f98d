package stream

import (
	"github.com/banshee-data/depthkit/internal/calibration"
	"github.com/banshee-data/depthkit/internal/frames"
)

// Nominal pinhole model of the 320x240 depth image. Other resolutions are
// scaled from it.
var qvgaDepthIntrinsics = frames.Intrinsics{
	Fx: 288, Fy: 288, Cx: 159.5, Cy: 119.5,
	Width: 320, Height: 240,
}

// Info describes the images produced by a stream mode.
type Info struct {
	Mode           Mode `json:"mode"`
	DepthWidth     int  `json:"depth_width"`
	DepthHeight    int  `json:"depth_height"`
	InfraredWidth  int  `json:"infrared_width"`
	InfraredHeight int  `json:"infrared_height"`
	FPS            int  `json:"fps"`
	Registered     bool `json:"registered"`

	// DepthIntrinsics is zero for infrared-only modes.
	DepthIntrinsics frames.Intrinsics `json:"depth_intrinsics"`

	// ColorCameraPoseInDepthFrame maps color camera coordinates into the
	// depth image's frame. Registered modes are already aligned, so it is
	// the identity there.
	ColorCameraPoseInDepthFrame calibration.Extrinsics `json:"color_camera_pose"`
}

// NewInfo describes mode given the active extrinsics.
func NewInfo(mode Mode, extrinsics calibration.Extrinsics) Info {
	info := Info{
		Mode:       mode,
		FPS:        mode.FPS(),
		Registered: mode.Registered(),
	}
	info.DepthWidth, info.DepthHeight = mode.DepthSize()
	info.InfraredWidth, info.InfraredHeight = mode.InfraredSize()
	if mode.HasDepth() {
		info.DepthIntrinsics = qvgaDepthIntrinsics.Scaled(info.DepthWidth, info.DepthHeight)
	}
	if mode.Registered() {
		info.ColorCameraPoseInDepthFrame = calibration.Identity()
	} else {
		info.ColorCameraPoseInDepthFrame = extrinsics
	}
	return info
}

func (i Info) Equal(o Info) bool { return i == o }
