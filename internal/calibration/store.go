// Package calibration holds the rigid transform between the host's color
// camera and the depth sensor, and the quality tier of that transform for the
// currently attached sensor.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/sensorerr"
)

// ErrNotAttached is returned by Set when no sensor is connected.
var ErrNotAttached = errors.New("calibration: no sensor attached")

// Type is the quality tier of the calibration for a sensor/host pairing.
type Type int

const (
	TypeNone Type = iota
	TypeApproximate
	TypeDeviceSpecific
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeApproximate:
		return "approximate"
	case TypeDeviceSpecific:
		return "device-specific"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Record is a persisted device-specific calibration.
type Record struct {
	ID           string     `json:"id"`
	SensorSerial string     `json:"sensor_serial"`
	HostModel    string     `json:"host_model"`
	Extrinsics   Extrinsics `json:"extrinsics"`
	Source       string     `json:"source,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Repository looks up device-specific calibrations. Implementations return
// (nil, nil) when no record exists.
type Repository interface {
	LookupCalibration(ctx context.Context, sensorSerial, hostModel string) (*Record, error)
}

// approximatePose is the bracket geometry shared by the supported hosts: the
// color camera sits 34mm to the right of and 17mm in front of the IR camera.
var approximatePose = NewExtrinsics(
	[9]float32{
		0.99977, -0.0210634, -0.00412405,
		0.0210795, 0.99977, 0.00391278,
		0.00404069, -0.00399881, 0.999984,
	},
	[3]float32{0.034, 0, 0.017},
)

// approximateHosts lists host models with a known bracket, for which an
// approximate calibration is always available.
var approximateHosts = map[string]struct{}{
	"iPad4,1":   {},
	"iPad4,2":   {},
	"iPad4,4":   {},
	"iPad4,5":   {},
	"iPad4,7":   {},
	"iPad4,8":   {},
	"iPad5,1":   {},
	"iPad5,2":   {},
	"iPad5,3":   {},
	"iPad5,4":   {},
	"iPad6,3":   {},
	"iPad6,4":   {},
	"iPhone7,2": {},
	"iPhone8,1": {},
}

// ApproximateCalibrationGuaranteed reports whether at least an approximate
// calibration will be available once a sensor is attached to hostModel. It
// does not depend on connection state.
func ApproximateCalibrationGuaranteed(hostModel string) bool {
	_, ok := approximateHosts[hostModel]
	return ok
}

// Store is the shared calibration state. The setter runs on the caller's
// goroutine while the frame producer reads the snapshot taken by Activate,
// so a new transform only reaches registered depth after a stream restart.
type Store struct {
	repo Repository

	mu        sync.RWMutex
	attached  bool
	serial    string
	hostModel string
	calType   Type
	base      Extrinsics
	override  *Extrinsics
	active    Extrinsics
}

// NewStore creates a Store. repo may be nil, in which case no
// device-specific calibration is ever found.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Attach records the connected sensor and resolves its calibration tier.
// A repository error is logged and treated as "no record".
func (s *Store) Attach(ctx context.Context, sensorSerial, hostModel string) Type {
	calType := TypeNone
	base := Unset

	if s.repo != nil && sensorSerial != "" {
		rec, err := s.repo.LookupCalibration(ctx, sensorSerial, hostModel)
		switch {
		case err != nil:
			monitoring.Logf("[Calibration] lookup for sensor %s failed: %v", sensorSerial, err)
		case rec != nil:
			if verr := rec.Extrinsics.Validate(); verr != nil {
				monitoring.Logf("[Calibration] ignoring stored calibration %s: %v", rec.ID, verr)
			} else {
				calType = TypeDeviceSpecific
				base = rec.Extrinsics
			}
		}
	}
	if calType == TypeNone && ApproximateCalibrationGuaranteed(hostModel) {
		calType = TypeApproximate
		base = approximatePose
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
	s.serial = sensorSerial
	s.hostModel = hostModel
	s.calType = calType
	s.base = base
	s.override = nil
	s.active = base
	monitoring.Debugf("[Calibration] attached sensor=%s host=%s type=%s", sensorSerial, hostModel, calType)
	return calType
}

// Detach clears all calibration state. Called when the sensor disconnects.
func (s *Store) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	s.serial = ""
	s.hostModel = ""
	s.calType = TypeNone
	s.base = Unset
	s.override = nil
	s.active = Unset
}

// Get returns the current color-camera pose in the sensor frame: an explicit
// override when one was set, else the pairing's default, else Unset.
func (s *Store) Get() Extrinsics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.attached {
		return Unset
	}
	if s.override != nil {
		return *s.override
	}
	return s.base
}

// Set installs an explicit transform. It is only accepted while a sensor is
// attached and takes effect for registered depth after the next Activate.
func (s *Store) Set(e Extrinsics) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return ErrNotAttached
	}
	v := e
	s.override = &v
	return nil
}

// Activate snapshots the current transform for use by the streaming path
// and returns it.
func (s *Store) Activate() Extrinsics {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.attached:
		s.active = Unset
	case s.override != nil:
		s.active = *s.override
	default:
		s.active = s.base
	}
	return s.active
}

// Active returns the snapshot taken by the last Activate.
func (s *Store) Active() Extrinsics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Type returns the calibration tier of the attached pairing.
func (s *Store) Type() Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calType
}

// Pairing returns the attached sensor serial and host model.
func (s *Store) Pairing() (sensorSerial, hostModel string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial, s.hostModel
}

// Attached reports whether a sensor is attached.
func (s *Store) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attached
}

// IsInvalidValue reports whether err came from transform validation.
func IsInvalidValue(err error) bool {
	return sensorerr.HasCode(err, sensorerr.InvalidValue)
}
