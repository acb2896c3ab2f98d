package depthnet

import (
	"sync"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/monitoring"
)

// FrameSink receives assembled frames. The frame is borrowed for the call and
// returned to the pool afterwards. sensor.Controller implements it.
type FrameSink interface {
	HandleFrame(f *frames.Frame)
}

// AssemblerStats counts assembly outcomes.
type AssemblerStats struct {
	Packets    uint64 `json:"packets"`
	Frames     uint64 `json:"frames"`
	Incomplete uint64 `json:"incomplete"`
	Invalid    uint64 `json:"invalid"`
	Duplicate  uint64 `json:"duplicate"`
	Late       uint64 `json:"late"`
}

// partial is a frame being rebuilt from bands.
type partial struct {
	frame *frames.Frame
	seen  []bool
	rows  int
}

// Assembler rebuilds frames from row bands. Bands of one frame may arrive in
// any order; a band from a newer frame of the same kind abandons the frame in
// progress.
type Assembler struct {
	pool    *frames.Pool
	sink    FrameSink
	metrics *monitoring.Metrics

	mu      sync.Mutex
	pending map[frames.Kind]*partial
	last    map[frames.Kind]uint32 // sequence of the last completed frame
	stats   AssemblerStats
}

// NewAssembler creates an Assembler delivering to sink. metrics may be nil.
func NewAssembler(pool *frames.Pool, sink FrameSink, metrics *monitoring.Metrics) *Assembler {
	if pool == nil {
		pool = frames.NewPool()
	}
	return &Assembler{
		pool:    pool,
		sink:    sink,
		metrics: metrics,
		pending: make(map[frames.Kind]*partial),
		last:    make(map[frames.Kind]uint32),
	}
}

// Add merges one decoded band. It reports whether the band completed a frame.
// The sink runs on the caller's goroutine.
func (a *Assembler) Add(p *FramePacket) bool {
	a.mu.Lock()
	a.stats.Packets++
	if err := p.Validate(); err != nil {
		a.stats.Invalid++
		a.mu.Unlock()
		a.metrics.Packet("invalid")
		monitoring.Debugf("[DepthNet] %v", err)
		return false
	}

	w, h := int(p.Width), int(p.Height)
	cur := a.pending[p.Kind]
	last, done := a.last[p.Kind]
	if (done && !seqBefore(last, p.Sequence)) || (cur != nil && seqBefore(p.Sequence, cur.frame.Sequence)) {
		a.stats.Late++
		a.mu.Unlock()
		a.metrics.Packet("late")
		return false
	}
	if cur != nil && (cur.frame.Sequence != p.Sequence || cur.frame.Width != w || cur.frame.Height != h) {
		a.abandonLocked(p.Kind, cur)
		cur = nil
	}
	if cur == nil {
		f := a.pool.Get(p.Kind, w, h)
		f.Sequence = p.Sequence
		f.Timestamp = p.Timestamp
		cur = &partial{frame: f, seen: make([]bool, h)}
		a.pending[p.Kind] = cur
	}

	first, n := int(p.FirstRow), int(p.RowCount)
	for r := first; r < first+n; r++ {
		if cur.seen[r] {
			a.stats.Duplicate++
			a.mu.Unlock()
			a.metrics.Packet("duplicate")
			return false
		}
	}
	p.CopyPixels(cur.frame.Data[first*w : (first+n)*w])
	for r := first; r < first+n; r++ {
		cur.seen[r] = true
	}
	cur.rows += n
	if cur.rows < h {
		a.mu.Unlock()
		a.metrics.Packet("ok")
		return false
	}

	delete(a.pending, p.Kind)
	a.last[p.Kind] = p.Sequence
	a.stats.Frames++
	a.mu.Unlock()
	a.metrics.Packet("ok")

	if a.sink != nil {
		a.sink.HandleFrame(cur.frame)
	}
	a.pool.Put(cur.frame)
	return true
}

func (a *Assembler) abandonLocked(kind frames.Kind, cur *partial) {
	delete(a.pending, kind)
	a.stats.Incomplete++
	a.metrics.FrameDropped(kind.String(), "incomplete")
	monitoring.Debugf("[DepthNet] abandoning %s frame %d with %d/%d rows",
		kind, cur.frame.Sequence, cur.rows, cur.frame.Height)
	a.pool.Put(cur.frame)
}

// Reset discards partially assembled frames.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, cur := range a.pending {
		a.abandonLocked(kind, cur)
	}
}

// Stats returns a snapshot of the counters.
func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// seqBefore reports whether a precedes b with wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
