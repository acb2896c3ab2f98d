// Package sensorerr defines the integer-coded error domain shared by the
// driver and the collaborators built on top of it. Codes are grouped into
// reserved ranges per subsystem so callers outside this module can extend the
// taxonomy without colliding with driver codes.
package sensorerr

import (
	"errors"
	"fmt"
)

// Domain identifies errors produced by this package.
const Domain = "depthkit"

// Code is a stable, integer error code.
type Code int

const (
	// Configuration (0-9)
	OptionNotRecognized   Code = 0
	OptionInvalidValue    Code = 1
	OptionMissingValue    Code = 2
	OptionCannotBeUpdated Code = 3

	// Generic validation (10-19)
	InvalidValue Code = 10

	// Camera pose initializer (20-29)
	CameraPoseInitializerDepthFrameMissing Code = 20

	// File I/O (30-39)
	FileNoSuchFile           Code = 30
	FileWriteInvalidFileName Code = 31

	// Tracking (40-49)
	TrackerLostTrack                           Code = 40
	TrackerNotInitialized                      Code = 41
	TrackerColorSampleBufferFormatNotSupported Code = 42
	TrackerColorSampleBufferMissing            Code = 43
	TrackerColorExposureTimeChanged            Code = 44
	TrackerDeviceMotionMissing                 Code = 45
	TrackerTrackAgainstModelWithoutLiveMesh    Code = 46
	TrackerPoorQuality                         Code = 47

	// Meshing (60-69)
	MeshEmpty                Code = 60
	MeshTaskCancelled        Code = 61
	MeshInvalidTextureFormat Code = 62

	// Colorizing (80-89)
	ColorizerNoKeyframes Code = 80
	ColorizerEmptyMesh   Code = 81
)

// Subsystem names the reserved range a code belongs to.
type Subsystem string

const (
	SubsystemConfiguration   Subsystem = "configuration"
	SubsystemValidation      Subsystem = "validation"
	SubsystemPoseInitializer Subsystem = "pose-initializer"
	SubsystemFile            Subsystem = "file"
	SubsystemTracking        Subsystem = "tracking"
	SubsystemMeshing         Subsystem = "meshing"
	SubsystemColorizing      Subsystem = "colorizing"
	SubsystemUnknown         Subsystem = "unknown"
)

// Subsystem returns the reserved range that contains c.
func (c Code) Subsystem() Subsystem {
	switch {
	case c >= 0 && c <= 9:
		return SubsystemConfiguration
	case c >= 10 && c <= 19:
		return SubsystemValidation
	case c >= 20 && c <= 29:
		return SubsystemPoseInitializer
	case c >= 30 && c <= 39:
		return SubsystemFile
	case c >= 40 && c <= 49:
		return SubsystemTracking
	case c >= 60 && c <= 69:
		return SubsystemMeshing
	case c >= 80 && c <= 89:
		return SubsystemColorizing
	default:
		return SubsystemUnknown
	}
}

var codeNames = map[Code]string{
	OptionNotRecognized:                        "option not recognized",
	OptionInvalidValue:                         "option invalid value",
	OptionMissingValue:                         "option missing value",
	OptionCannotBeUpdated:                      "option cannot be updated",
	InvalidValue:                               "invalid value",
	CameraPoseInitializerDepthFrameMissing:     "camera pose initializer depth frame missing",
	FileNoSuchFile:                             "no such file",
	FileWriteInvalidFileName:                   "invalid file name for write",
	TrackerLostTrack:                           "tracker lost track",
	TrackerNotInitialized:                      "tracker not initialized",
	TrackerColorSampleBufferFormatNotSupported: "color sample buffer format not supported",
	TrackerColorSampleBufferMissing:            "color sample buffer missing",
	TrackerColorExposureTimeChanged:            "color exposure time changed",
	TrackerDeviceMotionMissing:                 "device motion missing",
	TrackerTrackAgainstModelWithoutLiveMesh:    "track against model without live triangle mesh",
	TrackerPoorQuality:                         "tracker poor quality",
	MeshEmpty:                                  "mesh empty",
	MeshTaskCancelled:                          "mesh task cancelled",
	MeshInvalidTextureFormat:                   "mesh invalid texture format",
	ColorizerNoKeyframes:                       "colorizer has no keyframes",
	ColorizerEmptyMesh:                         "colorizer empty mesh",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code %d", int(c))
}

// Error is a coded error. Msg carries the detail for this occurrence and Err
// an optional underlying cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error that wraps err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error %d (%s)", Domain, int(e.Code), e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, sensorerr.New(code, "")) matches on code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code from err. ok is false when err carries no code.
func CodeOf(err error) (code Code, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
