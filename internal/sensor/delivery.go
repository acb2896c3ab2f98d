package sensor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/framesync"
	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/stream"
)

// holeFillNeighbours is the minimum number of valid 3x3 neighbours needed to
// fill an empty depth pixel.
const holeFillNeighbours = 3

// delivery pushes frames from the producer to the observer. Frames are
// handled synchronously on the producer goroutine: the scratch frames it
// takes from the pool go back as soon as the callback returns.
type delivery struct {
	pool     *frames.Pool
	metrics  *monitoring.Metrics
	syncCfg  framesync.Config
	observer func() *Observer

	active  atomic.Bool
	waiting atomic.Int32

	mu      sync.RWMutex
	cfg     stream.Config
	reg     *frames.Registration
	sync    *framesync.Synchronizer // nil when frame sync is off or stopped
	last    *framesync.Synchronizer // kept after stop for diagnostics
	waiters []chan *frames.Frame
}

func newDelivery(pool *frames.Pool, metrics *monitoring.Metrics, syncCfg framesync.Config, observer func() *Observer) *delivery {
	return &delivery{pool: pool, metrics: metrics, syncCfg: syncCfg, observer: observer}
}

// start begins delivery for cfg. reg is the pre-warp applied to registered
// modes; it may be nil for other modes.
func (d *delivery) start(cfg stream.Config, reg *frames.Registration) {
	var sy *framesync.Synchronizer
	if cfg.FrameSync != stream.FrameSyncOff {
		sy = framesync.New(d.syncCfg, d.emitSynchronized, d.metrics)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.reg = reg
	d.sync = sy
	if sy != nil {
		d.last = sy
	}
	d.mu.Unlock()
	d.active.Store(true)
	monitoring.Logf("[Controller] delivery started: %s", cfg)
}

// stop halts new deliveries. A frame already past the entry check is still
// delivered.
func (d *delivery) stop() {
	d.active.Store(false)
	d.mu.Lock()
	sy := d.sync
	d.sync = nil
	d.mu.Unlock()
	if sy != nil {
		sy.Close()
	}
}

// updateHighGain records a runtime gain change in the active configuration.
func (d *delivery) updateHighGain(high bool) {
	d.mu.Lock()
	d.cfg.HighGain = high
	d.mu.Unlock()
}

// deliver handles one frame from the producer. f is borrowed.
func (d *delivery) deliver(f *frames.Frame) {
	kind := f.Kind.String()
	if !d.active.Load() {
		d.metrics.FrameDropped(kind, "inactive")
		return
	}
	d.mu.RLock()
	cfg, reg, sy := d.cfg, d.reg, d.sync
	d.mu.RUnlock()

	d.metrics.FrameReceived(kind)

	var w, h int
	switch f.Kind {
	case frames.KindDepth:
		w, h = cfg.Mode.DepthSize()
	case frames.KindInfrared:
		w, h = cfg.Mode.InfraredSize()
	}
	if w == 0 {
		d.metrics.FrameDropped(kind, "mode")
		monitoring.Debugf("[Controller] dropping %s frame: not produced by %s", kind, cfg.Mode)
		return
	}
	if f.Width != w || f.Height != h || !f.Valid() {
		d.metrics.FrameDropped(kind, "size")
		monitoring.Debugf("[Controller] dropping %s: want %dx%d", f, w, h)
		return
	}

	out := f
	if f.Kind == frames.KindDepth {
		out = d.processDepth(f, cfg, reg)
		if out != f {
			defer d.pool.Put(out)
		}
		if d.waiting.Load() > 0 {
			d.offerSnapshot(out)
		}
	}

	if sy != nil && syncs(cfg.FrameSync, out.Kind) {
		sy.OnFrame(out)
		return
	}

	obs := d.observer()
	switch out.Kind {
	case frames.KindDepth:
		if obs.DepthFrame != nil {
			obs.DepthFrame(out)
		}
	case frames.KindInfrared:
		if obs.InfraredFrame != nil {
			obs.InfraredFrame(out)
		}
	}
	d.metrics.FrameDelivered(kind, false)
}

// processDepth applies the registration pre-warp and hole filter. It returns
// f unchanged when neither applies, otherwise a pooled frame the caller must
// return.
func (d *delivery) processDepth(f *frames.Frame, cfg stream.Config, reg *frames.Registration) *frames.Frame {
	out := f
	if reg != nil && cfg.Mode.Registered() && reg.Fits(f.Width, f.Height) {
		warped := d.scratch(f)
		reg.WarpRaw(warped.Data, f.Data)
		out = warped
	}
	if cfg.HoleFilter {
		filled := d.scratch(f)
		frames.FillHoles(filled.Data, out.Data, f.Width, f.Height, holeFillNeighbours)
		if out != f {
			d.pool.Put(out)
		}
		out = filled
	}
	return out
}

func (d *delivery) scratch(f *frames.Frame) *frames.Frame {
	s := d.pool.Get(f.Kind, f.Width, f.Height)
	s.Timestamp = f.Timestamp
	s.Sequence = f.Sequence
	return s
}

func syncs(mode stream.FrameSync, kind frames.Kind) bool {
	switch mode {
	case stream.FrameSyncDepthAndRGB:
		return kind == frames.KindDepth
	case stream.FrameSyncInfraredAndRGB:
		return kind == frames.KindInfrared
	}
	return false
}

func (d *delivery) emitSynchronized(f *frames.Frame, color frames.ColorSample) {
	obs := d.observer()
	switch f.Kind {
	case frames.KindDepth:
		if obs.SynchronizedDepthFrame != nil {
			obs.SynchronizedDepthFrame(f, color)
		}
	case frames.KindInfrared:
		if obs.SynchronizedInfraredFrame != nil {
			obs.SynchronizedInfraredFrame(f, color)
		}
	}
	d.metrics.FrameDelivered(f.Kind.String(), true)
}

// colorSample forwards a color sample to the synchronizer. Samples arriving
// while frame sync is off are ignored.
func (d *delivery) colorSample(c frames.ColorSample) {
	if !d.active.Load() {
		d.metrics.ColorSample("inactive")
		return
	}
	d.mu.RLock()
	sy := d.sync
	d.mu.RUnlock()
	if sy == nil {
		d.metrics.ColorSample("sync_off")
		return
	}
	sy.OnColorSample(c)
}

// snapshot waits for the next delivered depth frame and returns a copy.
func (d *delivery) snapshot(ctx context.Context) (*frames.Frame, error) {
	ch := make(chan *frames.Frame, 1)
	d.mu.Lock()
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()
	d.waiting.Add(1)

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		d.mu.Lock()
		for i, w := range d.waiters {
			if w == ch {
				d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
				d.waiting.Add(-1)
				break
			}
		}
		d.mu.Unlock()
		// A frame may have been handed over while we were removing ourselves.
		select {
		case f := <-ch:
			return f, nil
		default:
		}
		return nil, ctx.Err()
	}
}

func (d *delivery) offerSnapshot(f *frames.Frame) {
	d.mu.Lock()
	waiters := d.waiters
	d.waiters = nil
	d.waiting.Add(-int32(len(waiters)))
	d.mu.Unlock()
	for _, ch := range waiters {
		ch <- f.Clone()
	}
}

// syncState returns the most recent synchronizer's counters and pairings.
func (d *delivery) syncState() (*framesync.Stats, []framesync.Pairing) {
	d.mu.RLock()
	sy := d.last
	d.mu.RUnlock()
	if sy == nil {
		return nil, nil
	}
	st := sy.Stats()
	return &st, sy.RecentPairings()
}

// syncTolerance returns the tolerance of the active or most recent
// synchronizer.
func (d *delivery) syncTolerance() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return 0
	}
	return d.last.Tolerance()
}
