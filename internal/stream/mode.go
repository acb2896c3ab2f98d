// Package stream validates streaming requests and describes the image
// geometry each stream mode produces.
package stream

import (
	"fmt"
	"strings"
)

// Mode selects the sensor's resolution, channels and frame rate. Values
// match the device's wire numbering.
type Mode int

const (
	Depth320x240 Mode = iota
	RegisteredDepth320x240
	Depth320x240AndInfrared320x248
	Infrared320x248
	Depth640x480
	Infrared640x488
	Depth640x480AndInfrared640x488
	RegisteredDepth640x480
	Depth320x240At60FPS
)

type modeProps struct {
	name                 string
	depthW, depthH       int
	infraredW, infraredH int
	fps                  int
	registered           bool
}

var modes = [...]modeProps{
	Depth320x240:                   {name: "Depth320x240", depthW: 320, depthH: 240, fps: 30},
	RegisteredDepth320x240:         {name: "RegisteredDepth320x240", depthW: 320, depthH: 240, fps: 30, registered: true},
	Depth320x240AndInfrared320x248: {name: "Depth320x240AndInfrared320x248", depthW: 320, depthH: 240, infraredW: 320, infraredH: 248, fps: 30},
	Infrared320x248:                {name: "Infrared320x248", infraredW: 320, infraredH: 248, fps: 30},
	Depth640x480:                   {name: "Depth640x480", depthW: 640, depthH: 480, fps: 30},
	Infrared640x488:                {name: "Infrared640x488", infraredW: 640, infraredH: 488, fps: 30},
	Depth640x480AndInfrared640x488: {name: "Depth640x480AndInfrared640x488", depthW: 640, depthH: 480, infraredW: 640, infraredH: 488, fps: 30},
	RegisteredDepth640x480:         {name: "RegisteredDepth640x480", depthW: 640, depthH: 480, fps: 30, registered: true},
	Depth320x240At60FPS:            {name: "Depth320x240_60FPS", depthW: 320, depthH: 240, fps: 60},
}

// Modes lists every supported mode in wire order.
func Modes() []Mode {
	out := make([]Mode, len(modes))
	for i := range modes {
		out[i] = Mode(i)
	}
	return out
}

// MaxFrameSize returns the largest width and height any mode produces.
func MaxFrameSize() (width, height int) {
	for _, p := range modes {
		width = max(width, p.depthW, p.infraredW)
		height = max(height, p.depthH, p.infraredH)
	}
	return width, height
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m >= 0 && int(m) < len(modes) }

func (m Mode) props() modeProps {
	if !m.Valid() {
		return modeProps{}
	}
	return modes[m]
}

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modes[m].name
}

// HasDepth reports whether the mode delivers depth frames.
func (m Mode) HasDepth() bool { return m.props().depthW > 0 }

// HasInfrared reports whether the mode delivers infrared frames.
func (m Mode) HasInfrared() bool { return m.props().infraredW > 0 }

// Registered reports whether depth is delivered in the color camera's
// viewpoint. The driver pre-warps it on the host with the extrinsics
// activated at stream start.
func (m Mode) Registered() bool { return m.props().registered }

// FPS is the nominal frame rate.
func (m Mode) FPS() int { return m.props().fps }

// DepthSize returns the depth frame size, or zeros for infrared-only modes.
func (m Mode) DepthSize() (int, int) {
	p := m.props()
	return p.depthW, p.depthH
}

// InfraredSize returns the infrared frame size, or zeros for depth-only
// modes.
func (m Mode) InfraredSize() (int, int) {
	p := m.props()
	return p.infraredW, p.infraredH
}

// ParseMode accepts a mode name, case-insensitively.
func ParseMode(s string) (Mode, bool) {
	for i, p := range modes {
		if strings.EqualFold(p.name, s) {
			return Mode(i), true
		}
	}
	return 0, false
}

// FrameSync selects which sensor stream is paired with color samples.
type FrameSync int

const (
	FrameSyncOff FrameSync = iota
	FrameSyncDepthAndRGB
	FrameSyncInfraredAndRGB
)

var frameSyncNames = [...]string{"Off", "DepthAndRgb", "InfraredAndRgb"}

func (s FrameSync) Valid() bool { return s >= 0 && int(s) < len(frameSyncNames) }

func (s FrameSync) String() string {
	if !s.Valid() {
		return fmt.Sprintf("FrameSync(%d)", int(s))
	}
	return frameSyncNames[s]
}

// ParseFrameSync accepts a frame sync name, case-insensitively.
func ParseFrameSync(s string) (FrameSync, bool) {
	for i, n := range frameSyncNames {
		if strings.EqualFold(n, s) {
			return FrameSync(i), true
		}
	}
	return 0, false
}
