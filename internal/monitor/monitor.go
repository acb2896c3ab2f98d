// Package monitor renders debug views of the running driver: frame sync
// timing charts and depth snapshots.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/framesync"
	"github.com/banshee-data/depthkit/internal/monitoring"
)

// Source is the part of sensor.Controller the monitor reads from.
type Source interface {
	SyncPairings() ([]framesync.Pairing, float64)
	DepthSnapshot(ctx context.Context) (*frames.Frame, error)
	NewFloatDepthFrame() *frames.FloatDepthFrame
}

// Options tunes rendering. Zero values take defaults.
type Options struct {
	MinMM float32
	MaxMM float32
	// SnapshotTimeout bounds how long /debug/depth.png waits for a frame.
	SnapshotTimeout time.Duration
}

// Monitor serves the debug views.
type Monitor struct {
	src  Source
	opts Options

	mu   sync.Mutex
	conv map[frames.RGBAStrategy]*frames.DepthToRGBA
}

func New(src Source, opts Options) *Monitor {
	if opts.MaxMM <= 0 {
		opts.MinMM, opts.MaxMM = 400, 3500
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 2 * time.Second
	}
	return &Monitor{
		src:  src,
		opts: opts,
		conv: make(map[frames.RGBAStrategy]*frames.DepthToRGBA),
	}
}

// AttachAdminRoutes mounts /debug/sync, /debug/sync.png and /debug/depth.png.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("sync", "Frame sync pairing deltas (chart)", http.HandlerFunc(m.handleSyncChart))
	debug.Handle("sync.png", "Frame sync pairing deltas (PNG)", http.HandlerFunc(m.handleSyncPlot))
	debug.Handle("depth.png", "Next depth frame as an image (?strategy=gray&registered=1)", http.HandlerFunc(m.handleDepth))
}

func (m *Monitor) handleSyncChart(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := m.WriteSyncChart(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) handleSyncPlot(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := m.WriteSyncPlot(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render plot: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) handleDepth(w http.ResponseWriter, r *http.Request) {
	strategy := frames.RedToBlueGradient
	if r.URL.Query().Get("strategy") == "gray" {
		strategy = frames.Gray
	}
	registered, _ := strconv.ParseBool(r.URL.Query().Get("registered"))

	ctx, cancel := context.WithTimeout(r.Context(), m.opts.SnapshotTimeout)
	defer cancel()

	var buf bytes.Buffer
	inColor, err := m.WriteDepthPNG(ctx, &buf, strategy, registered)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "no depth frame arrived", http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Depth-Registered", strconv.FormatBool(inColor))
	_, _ = w.Write(buf.Bytes())
}

// WriteDepthPNG waits for the next depth frame and encodes it as a PNG. When
// registered is set the frame is first reprojected into the color camera.
// It reports whether the image is in the color camera's viewpoint; without a
// registration the raw view is written.
func (m *Monitor) WriteDepthPNG(ctx context.Context, w io.Writer, strategy frames.RGBAStrategy, registered bool) (bool, error) {
	snap, err := m.src.DepthSnapshot(ctx)
	if err != nil {
		return false, err
	}
	f := m.src.NewFloatDepthFrame()
	f.UpdateFromDepthFrame(snap)
	inColor := false
	if registered {
		if f, inColor = f.RegisteredToColor(); !inColor {
			monitoring.Debugf("[Monitor] no registration for %dx%d, writing the raw view", f.Width, f.Height)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.conv[strategy]
	if conv == nil || conv.Width != f.Width || conv.Height != f.Height {
		conv, err = frames.NewDepthToRGBA(f.Width, f.Height, strategy, m.opts.MinMM, m.opts.MaxMM)
		if err != nil {
			return false, err
		}
		m.conv[strategy] = conv
	}
	img, err := conv.Convert(f)
	if err != nil {
		return false, err
	}
	monitoring.Debugf("[Monitor] depth snapshot %dx%d valid=%d", f.Width, f.Height, f.ValidPixels())
	return inColor, png.Encode(w, img)
}
