// Package framesync pairs sensor frames with color samples captured by an
// independent camera, matching them by timestamp.
//
// Frames arrive on the sensor producer goroutine; color samples may arrive
// from any goroutine. Both paths take a short mutex around the buffer so
// timestamp ordering holds, and pairs are emitted one at a time. The emit
// callback must not call back into the Synchronizer.
package framesync

import (
	"math"
	"sync"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/monitoring"
)

const (
	// DefaultTolerance is one frame period at 60 Hz.
	DefaultTolerance = 1.0 / 60
	// DefaultCapacity is the number of unconsumed color samples kept.
	DefaultCapacity = 4

	historySize = 512
)

// EmitFunc receives a matched pair. The frame and the sample are only valid
// for the duration of the call; retain the sample to keep it.
type EmitFunc func(f *frames.Frame, sample frames.ColorSample)

// Config tunes pairing. Zero fields take the defaults.
type Config struct {
	Tolerance float64
	Capacity  int
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// Pairing is one emitted match, kept for diagnostics.
type Pairing struct {
	FrameTimestamp float64 `json:"frame_ts"`
	Delta          float64 `json:"delta"`
}

// Stats counts synchronizer outcomes since creation.
type Stats struct {
	Pairs      uint64 `json:"pairs"`
	Held       uint64 `json:"held"`
	Superseded uint64 `json:"superseded"`
	Expired    uint64 `json:"expired"`
	Evicted    uint64 `json:"evicted"`
	OutOfOrder uint64 `json:"out_of_order"`
}

// Synchronizer pairs frames with buffered color samples.
type Synchronizer struct {
	cfg     Config
	emit    EmitFunc
	metrics *monitoring.Metrics

	mu        sync.Mutex
	buffer    []frames.ColorSample // increasing timestamps, each retained
	held      *frames.Frame        // unmatched frame awaiting a sample
	spare     *frames.Frame
	lastColor float64
	haveColor bool
	history   []Pairing
	histNext  int
	stats     Stats
	closed    bool

	// emitMu is acquired before mu is released so pairs leave in the order
	// they were matched.
	emitMu sync.Mutex
}

// New creates a Synchronizer. metrics may be nil.
func New(cfg Config, emit EmitFunc, metrics *monitoring.Metrics) *Synchronizer {
	cfg = cfg.withDefaults()
	return &Synchronizer{
		cfg:     cfg,
		emit:    emit,
		metrics: metrics,
		buffer:  make([]frames.ColorSample, 0, cfg.Capacity+1),
		history: make([]Pairing, 0, historySize),
	}
}

// Tolerance returns the maximum timestamp difference of an emitted pair.
func (s *Synchronizer) Tolerance() float64 { return s.cfg.Tolerance }

// Capacity returns the color buffer bound.
func (s *Synchronizer) Capacity() int { return s.cfg.Capacity }

// OnFrame offers a sensor frame. The frame is borrowed: if no sample is
// close enough it is copied into synchronizer storage to wait for one. It
// reports whether a pair was emitted.
func (s *Synchronizer) OnFrame(f *frames.Frame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.held != nil {
		s.releaseHeld()
		s.stats.Superseded++
		s.metrics.SyncEvent("superseded")
	}

	idx, delta := s.closest(f.Timestamp)
	if idx >= 0 && math.Abs(delta) <= s.cfg.Tolerance {
		sample := s.take(idx)
		s.record(f.Timestamp, delta)
		s.emitLocked(f, sample)
		return true
	}

	s.hold(f)
	s.stats.Held++
	s.metrics.SyncEvent("held")
	s.mu.Unlock()
	return false
}

// OnColorSample offers a color sample. The caller keeps its own reference;
// the synchronizer retains the sample while it is buffered. It reports
// whether a pair was emitted.
func (s *Synchronizer) OnColorSample(c frames.ColorSample) bool {
	ts := c.Timestamp()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.haveColor && ts <= s.lastColor {
		s.stats.OutOfOrder++
		s.mu.Unlock()
		s.metrics.ColorSample("out_of_order")
		return false
	}
	s.lastColor = ts
	s.haveColor = true

	c.Retain()
	s.buffer = append(s.buffer, c)
	s.metrics.ColorSample("buffered")
	for len(s.buffer) > s.cfg.Capacity {
		old := s.buffer[0]
		s.buffer = s.buffer[1:]
		old.Release()
		s.stats.Evicted++
		s.metrics.SyncEvent("evicted")
	}

	if s.held == nil {
		s.mu.Unlock()
		return false
	}

	idx, delta := s.closest(s.held.Timestamp)
	if idx >= 0 && math.Abs(delta) <= s.cfg.Tolerance {
		f := s.held
		s.held = nil
		sample := s.take(idx)
		s.record(f.Timestamp, delta)
		s.emitLocked(f, sample)

		s.mu.Lock()
		if s.spare == nil {
			s.spare = f
		}
		s.mu.Unlock()
		return true
	}

	// Samples only move forward, so once the newest is past the window the
	// held frame can never match.
	if ts-s.held.Timestamp > s.cfg.Tolerance {
		s.releaseHeld()
		s.stats.Expired++
		s.metrics.SyncEvent("expired")
	}
	s.mu.Unlock()
	return false
}

// Reset drops the held frame and releases every buffered sample.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Close resets the synchronizer and makes later calls no-ops, so a
// producer racing with stream shutdown cannot leave samples retained.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.closed = true
}

func (s *Synchronizer) resetLocked() {
	for _, c := range s.buffer {
		c.Release()
	}
	clear(s.buffer)
	s.buffer = s.buffer[:0]
	if s.held != nil {
		s.releaseHeld()
	}
	s.haveColor = false
	s.lastColor = 0
}

// Buffered returns the number of color samples currently retained.
func (s *Synchronizer) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Holding reports whether a frame is waiting for a sample.
func (s *Synchronizer) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held != nil
}

// Stats returns a snapshot of the counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RecentPairings returns up to the last 512 pairings, oldest first.
func (s *Synchronizer) RecentPairings() []Pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pairing, 0, len(s.history))
	if len(s.history) < historySize {
		return append(out, s.history...)
	}
	out = append(out, s.history[s.histNext:]...)
	return append(out, s.history[:s.histNext]...)
}

// closest returns the index of the buffered sample nearest to ts and the
// signed difference sample-frame, or -1 when the buffer is empty.
func (s *Synchronizer) closest(ts float64) (int, float64) {
	best, bestDelta := -1, 0.0
	for i, c := range s.buffer {
		d := c.Timestamp() - ts
		if best < 0 || math.Abs(d) < math.Abs(bestDelta) {
			best, bestDelta = i, d
		}
	}
	return best, bestDelta
}

// take removes buffer[idx] and everything older. Older samples are
// released; the matched sample's reference passes to the caller.
func (s *Synchronizer) take(idx int) frames.ColorSample {
	sample := s.buffer[idx]
	for _, c := range s.buffer[:idx] {
		c.Release()
		s.metrics.SyncEvent("purged")
	}
	n := copy(s.buffer, s.buffer[idx+1:])
	for i := n; i < len(s.buffer); i++ {
		s.buffer[i] = nil
	}
	s.buffer = s.buffer[:n]
	return sample
}

func (s *Synchronizer) hold(f *frames.Frame) {
	h := s.spare
	s.spare = nil
	if h == nil {
		h = new(frames.Frame)
	}
	h.CopyFrom(f)
	s.held = h
}

func (s *Synchronizer) releaseHeld() {
	if s.spare == nil {
		s.spare = s.held
	}
	s.held = nil
}

func (s *Synchronizer) record(frameTS, delta float64) {
	p := Pairing{FrameTimestamp: frameTS, Delta: delta}
	if len(s.history) < historySize {
		s.history = append(s.history, p)
	} else {
		s.history[s.histNext] = p
		s.histNext = (s.histNext + 1) % historySize
	}
	s.stats.Pairs++
	s.metrics.SyncEvent("paired")
	s.metrics.SyncDelta(delta)
}

// emitLocked is called with mu held and returns with it released.
func (s *Synchronizer) emitLocked(f *frames.Frame, sample frames.ColorSample) {
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	defer sample.Release()
	if s.emit != nil {
		s.emit(f, sample)
	}
}
