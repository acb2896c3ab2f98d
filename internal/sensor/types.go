// Package sensor drives a depth sensor: it owns the connection state
// machine, applies validated streaming configurations over the control link,
// and delivers frames from the frame link to a single observer.
package sensor

import (
	"errors"
	"fmt"

	"github.com/banshee-data/depthkit/internal/frames"
)

// ErrNotConnected is returned by streaming calls made before a successful
// Initialize or after a disconnect.
var ErrNotConnected = errors.New("sensor: not connected")

// State is the connection state.
type State int

const (
	StateNotFound State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateDisconnected
)

var stateNames = [...]string{"not-found", "connecting", "connected", "streaming", "disconnected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// InitStatus is the result of Initialize. Values match the device SDK's
// numbering.
type InitStatus int

const (
	SensorNotFound     InitStatus = 0
	Success            InitStatus = 1
	AlreadyInitialized InitStatus = 2
	SensorIsWakingUp   InitStatus = 3
	OpenFailed         InitStatus = 4
)

func (s InitStatus) String() string {
	switch s {
	case SensorNotFound:
		return "sensor-not-found"
	case Success:
		return "success"
	case AlreadyInitialized:
		return "already-initialized"
	case SensorIsWakingUp:
		return "sensor-is-waking-up"
	case OpenFailed:
		return "open-failed"
	default:
		return fmt.Sprintf("InitStatus(%d)", int(s))
	}
}

// CanStream reports whether the status permits streaming calls.
func (s InitStatus) CanStream() bool { return s == Success || s == AlreadyInitialized }

// StopReason explains a stream stop the caller did not ask for.
type StopReason int

const (
	StopReasonAppWillResignActive StopReason = 0
	StopReasonSensorDisconnected  StopReason = 1
)

func (r StopReason) String() string {
	switch r {
	case StopReasonAppWillResignActive:
		return "app-will-resign-active"
	case StopReasonSensorDisconnected:
		return "sensor-disconnected"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Observer receives controller notifications. Nil fields are skipped.
//
// Connection events run on the control link goroutine (or the caller's, for
// Initialize and Suspend). Frame callbacks run on the frame producer
// goroutine and must return quickly; synchronized callbacks may also run on
// the goroutine that supplied the color sample. Frames passed to callbacks
// are borrowed and invalid once the callback returns; Clone to keep one.
// Plain and synchronized frame callbacks never both fire for one
// configuration.
type Observer struct {
	Connected            func()
	Disconnected         func()
	StoppedStreaming     func(StopReason)
	LeftLowPower         func()
	EnteredLowPower      func()
	BatteryNeedsCharging func()

	DepthFrame                func(f *frames.Frame)
	InfraredFrame             func(f *frames.Frame)
	SynchronizedDepthFrame    func(f *frames.Frame, color frames.ColorSample)
	SynchronizedInfraredFrame func(f *frames.Frame, color frames.ColorSample)
}

// DeviceInfo identifies the connected sensor.
type DeviceInfo struct {
	Name     string `json:"name"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
	Hardware string `json:"hardware"`
}
