package stream

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/banshee-data/depthkit/internal/sensorerr"
)

// Request keys.
const (
	KeyStreamMode    = "streamMode"
	KeyFrameSyncMode = "frameSyncMode"
	KeyHoleFill      = "holeFill"
	KeyHighGain      = "highGain"
)

// Request is an untyped streaming request as supplied by a caller, for
// example decoded from JSON. Enum values may be the enum type, any integer,
// an integral float64 or the enum's name; flags must be booleans.
type Request map[string]interface{}

// Config is a validated streaming configuration.
type Config struct {
	Mode       Mode      `json:"mode"`
	FrameSync  FrameSync `json:"frame_sync"`
	HoleFilter bool      `json:"hole_filter"`
	HighGain   bool      `json:"high_gain"`
}

func (c Config) String() string {
	return fmt.Sprintf("mode=%s sync=%s holefill=%t highgain=%t", c.Mode, c.FrameSync, c.HoleFilter, c.HighGain)
}

// Options is the typed form of a Request. Nil fields take their defaults.
type Options struct {
	Mode       *Mode      `json:"mode,omitempty"`
	FrameSync  *FrameSync `json:"frame_sync,omitempty"`
	HoleFilter *bool      `json:"hole_filter,omitempty"`
	HighGain   *bool      `json:"high_gain,omitempty"`
}

// Validate turns a request into a Config. Keys are checked in sorted order
// so the reported error is deterministic.
func Validate(req Request) (Config, error) {
	var opts Options

	keys := make([]string, 0, len(req))
	for k := range req {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := req[k]
		switch k {
		case KeyStreamMode:
			n, err := enumValue(k, v, func(s string) (int, bool) {
				m, ok := ParseMode(s)
				return int(m), ok
			})
			if err != nil {
				return Config{}, err
			}
			m := Mode(n)
			opts.Mode = &m
		case KeyFrameSyncMode:
			n, err := enumValue(k, v, func(s string) (int, bool) {
				fs, ok := ParseFrameSync(s)
				return int(fs), ok
			})
			if err != nil {
				return Config{}, err
			}
			fs := FrameSync(n)
			opts.FrameSync = &fs
		case KeyHoleFill:
			b, err := boolValue(k, v)
			if err != nil {
				return Config{}, err
			}
			opts.HoleFilter = &b
		case KeyHighGain:
			b, err := boolValue(k, v)
			if err != nil {
				return Config{}, err
			}
			opts.HighGain = &b
		default:
			return Config{}, sensorerr.New(sensorerr.OptionNotRecognized, "unrecognized stream option %q", k)
		}
	}
	return opts.Resolve()
}

// Resolve applies defaults and checks the option combination against the
// sensor's capabilities.
func (o Options) Resolve() (Config, error) {
	if o.Mode == nil {
		return Config{}, sensorerr.New(sensorerr.OptionMissingValue, "%s is required", KeyStreamMode)
	}
	c := Config{Mode: *o.Mode}
	if !c.Mode.Valid() {
		return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "%s: unknown mode %d", KeyStreamMode, int(c.Mode))
	}
	if o.FrameSync != nil {
		c.FrameSync = *o.FrameSync
		if !c.FrameSync.Valid() {
			return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "%s: unknown value %d", KeyFrameSyncMode, int(c.FrameSync))
		}
	}

	c.HoleFilter = c.Mode.HasDepth()
	if o.HoleFilter != nil {
		if *o.HoleFilter && !c.Mode.HasDepth() {
			return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "%s requires a depth mode, got %s", KeyHoleFill, c.Mode)
		}
		c.HoleFilter = *o.HoleFilter
	}
	if o.HighGain != nil {
		c.HighGain = *o.HighGain
	}

	if c.FrameSync != FrameSyncOff {
		switch {
		case c.Mode == Depth320x240At60FPS:
			return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "frame sync is not supported at %d FPS", c.Mode.FPS())
		case c.Mode.HasDepth() && c.Mode.HasInfrared():
			return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "frame sync is not supported with %s", c.Mode)
		case c.FrameSync == FrameSyncDepthAndRGB && !c.Mode.HasDepth():
			return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "%s requires a depth mode, got %s", c.FrameSync, c.Mode)
		case c.FrameSync == FrameSyncInfraredAndRGB && !c.Mode.HasInfrared():
			return Config{}, sensorerr.New(sensorerr.OptionInvalidValue, "%s requires an infrared mode, got %s", c.FrameSync, c.Mode)
		}
	}
	return c, nil
}

// CheckUpdate reports whether a running stream configured with active can
// switch to next without a restart. Only HighGain may change.
func CheckUpdate(active, next Config) error {
	a, n := active, next
	a.HighGain, n.HighGain = false, false
	if a != n {
		return sensorerr.New(sensorerr.OptionCannotBeUpdated,
			"cannot change from %s to %s while streaming", active, next)
	}
	return nil
}

func enumValue(key string, v interface{}, parse func(string) (int, bool)) (int, error) {
	switch x := v.(type) {
	case Mode:
		return int(x), nil
	case FrameSync:
		return int(x), nil
	case string:
		n, ok := parse(x)
		if !ok {
			return 0, sensorerr.New(sensorerr.OptionInvalidValue, "%s: unknown name %q", key, x)
		}
		return n, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.Abs(x) > math.MaxInt32 {
			return 0, sensorerr.New(sensorerr.OptionInvalidValue, "%s: %v is not an integer", key, x)
		}
		return int(x), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, sensorerr.New(sensorerr.OptionInvalidValue, "%s: %d out of range", key, n)
		}
		return int(n), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		if n > math.MaxInt32 {
			return 0, sensorerr.New(sensorerr.OptionInvalidValue, "%s: %d out of range", key, n)
		}
		return int(n), nil
	}
	return 0, sensorerr.New(sensorerr.OptionInvalidValue, "%s: unsupported value type %T", key, v)
}

func boolValue(key string, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, sensorerr.New(sensorerr.OptionInvalidValue, "%s: expected a boolean, got %T", key, v)
	}
	return b, nil
}
