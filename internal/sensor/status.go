package sensor

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/depthkit/internal/calibration"
	"github.com/banshee-data/depthkit/internal/framesync"
	"github.com/banshee-data/depthkit/internal/stream"
)

// Status is a point-in-time view of the controller for the admin routes.
type Status struct {
	State           string                 `json:"state"`
	Device          DeviceInfo             `json:"device"`
	LowPower        bool                   `json:"low_power"`
	Battery         int                    `json:"battery_percent"`
	Config          *stream.Config         `json:"config,omitempty"`
	StreamInfo      *stream.Info           `json:"stream_info,omitempty"`
	CalibrationType string                 `json:"calibration_type"`
	Extrinsics      calibration.Extrinsics `json:"extrinsics"`
	Sync            *framesync.Stats       `json:"sync,omitempty"`
}

// Status collects the controller's current state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{
		State:    c.state.String(),
		Device:   c.device,
		LowPower: c.lowPower,
		Battery:  c.battery,
	}
	if c.config != nil {
		cfg := *c.config
		st.Config = &cfg
	}
	c.mu.RUnlock()

	if st.Config != nil {
		info := c.StreamInfo(st.Config.Mode)
		st.StreamInfo = &info
	}
	st.CalibrationType = c.calib.Type().String()
	st.Extrinsics = c.calib.Get()
	st.Sync, _ = c.delivery.syncState()
	return st
}

// SyncPairings returns the recent pairings of the current or most recent
// synchronized stream along with its tolerance.
func (c *Controller) SyncPairings() ([]framesync.Pairing, float64) {
	_, pairings := c.delivery.syncState()
	return pairings, c.delivery.syncTolerance()
}

// StatusHandler serves Status as JSON.
func (c *Controller) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
