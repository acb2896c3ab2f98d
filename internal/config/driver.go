package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical driver defaults file.
const DefaultConfigPath = "config/depthkitd.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// DriverConfig is the depthkitd configuration file. Every field is optional;
// the Get* accessors supply defaults for fields the file leaves out.
type DriverConfig struct {
	// Control link
	SerialPort   *string                `json:"serial_port,omitempty"`
	Serial       *serialmux.PortOptions `json:"serial,omitempty"`
	ProbeTimeout *string                `json:"probe_timeout,omitempty"` // duration string like "2s"
	HostModel    *string                `json:"host_model,omitempty"`

	// Frame link
	FrameListen *string `json:"frame_listen,omitempty"`
	UDPRcvBuf   *int    `json:"udp_rcvbuf,omitempty"`

	// Frame synchronization
	SyncTolerance       *float64 `json:"sync_tolerance,omitempty"` // seconds
	ColorBufferCapacity *int     `json:"color_buffer_capacity,omitempty"`

	// Storage and admin surfaces
	DBPath        *string `json:"db_path,omitempty"`
	AdminListen   *string `json:"admin_listen,omitempty"`
	GRPCListen    *string `json:"grpc_listen,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"`

	// Depth visualisation range
	DepthMinMM *float64 `json:"depth_min_mm,omitempty"`
	DepthMaxMM *float64 `json:"depth_max_mm,omitempty"`

	ColorIntrinsics *frames.Intrinsics `json:"color_intrinsics,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyDriverConfig returns a DriverConfig with every field unset.
func EmptyDriverConfig() *DriverConfig {
	return &DriverConfig{}
}

// LoadDriverConfig loads a DriverConfig from a JSON file. The file must have
// a .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDriverConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. It panics when the file cannot be loaded and is meant
// for test setup.
func MustLoadDefaultConfig() *DriverConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDriverConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *DriverConfig) Validate() error {
	for name, d := range map[string]*string{
		"probe_timeout":  c.ProbeTimeout,
		"stats_interval": c.StatsInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	if c.UDPRcvBuf != nil && *c.UDPRcvBuf < 0 {
		return fmt.Errorf("udp_rcvbuf must be non-negative, got %d", *c.UDPRcvBuf)
	}

	if c.SyncTolerance != nil && (*c.SyncTolerance <= 0 || *c.SyncTolerance > 1) {
		return fmt.Errorf("sync_tolerance must be in (0, 1] seconds, got %f", *c.SyncTolerance)
	}

	if c.ColorBufferCapacity != nil && (*c.ColorBufferCapacity < 1 || *c.ColorBufferCapacity > 64) {
		return fmt.Errorf("color_buffer_capacity must be between 1 and 64, got %d", *c.ColorBufferCapacity)
	}

	if lo, hi := c.GetDepthMinMM(), c.GetDepthMaxMM(); lo < 0 || hi <= lo {
		return fmt.Errorf("depth range must satisfy 0 <= depth_min_mm < depth_max_mm, got %g..%g", lo, hi)
	}

	if c.ColorIntrinsics != nil && !c.ColorIntrinsics.Valid() {
		return fmt.Errorf("color_intrinsics needs positive fx, fy, width and height")
	}

	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// GetSerialPort returns the control link device path. Empty means no serial
// port is opened.
func (c *DriverConfig) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

// GetSerialOptions returns the normalised line settings, 115200 8N1 by default.
func (c *DriverConfig) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalize()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalize()
	}
	return n
}

// GetProbeTimeout bounds how long Initialize waits for the sensor to answer.
func (c *DriverConfig) GetProbeTimeout() time.Duration {
	return durationOr(c.ProbeTimeout, 2*time.Second)
}

// GetHostModel returns the host model identifier used for calibration lookup.
func (c *DriverConfig) GetHostModel() string {
	return stringOr(c.HostModel, "")
}

// GetFrameListen returns the frame link UDP address.
func (c *DriverConfig) GetFrameListen() string {
	return stringOr(c.FrameListen, ":4446")
}

// GetUDPRcvBuf returns the requested socket receive buffer in bytes.
func (c *DriverConfig) GetUDPRcvBuf() int {
	if c.UDPRcvBuf == nil {
		return 4 << 20
	}
	return *c.UDPRcvBuf
}

// GetSyncTolerance returns the pairing tolerance in seconds.
func (c *DriverConfig) GetSyncTolerance() float64 {
	if c.SyncTolerance == nil {
		return 1.0 / 60
	}
	return *c.SyncTolerance
}

// GetColorBufferCapacity returns how many color samples the synchronizer keeps.
func (c *DriverConfig) GetColorBufferCapacity() int {
	if c.ColorBufferCapacity == nil {
		return 4
	}
	return *c.ColorBufferCapacity
}

// GetDBPath returns the sqlite path holding calibrations and task history.
func (c *DriverConfig) GetDBPath() string {
	return stringOr(c.DBPath, "depthkit.db")
}

// GetAdminListen returns the admin HTTP address.
func (c *DriverConfig) GetAdminListen() string {
	return stringOr(c.AdminListen, "127.0.0.1:8086")
}

// GetGRPCListen returns the health service address. Empty disables it.
func (c *DriverConfig) GetGRPCListen() string {
	return stringOr(c.GRPCListen, "127.0.0.1:50051")
}

// GetStatsInterval returns how often counters are logged.
func (c *DriverConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, time.Minute)
}

// GetDepthMinMM returns the near end of the visualisation range.
func (c *DriverConfig) GetDepthMinMM() float64 {
	if c.DepthMinMM == nil {
		return 400
	}
	return *c.DepthMinMM
}

// GetDepthMaxMM returns the far end of the visualisation range.
func (c *DriverConfig) GetDepthMaxMM() float64 {
	if c.DepthMaxMM == nil {
		return 3500
	}
	return *c.DepthMaxMM
}

// GetColorIntrinsics returns the configured host color camera model, or the
// zero value to let the controller use its default.
func (c *DriverConfig) GetColorIntrinsics() frames.Intrinsics {
	if c.ColorIntrinsics == nil {
		return frames.Intrinsics{}
	}
	return *c.ColorIntrinsics
}
