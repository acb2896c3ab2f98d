package framesync

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/depthkit/internal/frames"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pair struct {
	seq      uint32
	frameTS  float64
	sampleTS float64
}

type recorder struct {
	mu    sync.Mutex
	pairs []pair
}

func (r *recorder) emit(f *frames.Frame, c frames.ColorSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, pair{seq: f.Sequence, frameTS: f.Timestamp, sampleTS: c.Timestamp()})
}

func (r *recorder) all() []pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pair(nil), r.pairs...)
}

type samples struct {
	mu    sync.Mutex
	freed int
	live  []*frames.ColorBuffer
}

// offer hands a new sample to sy and then drops the creator's reference, as
// a capture callback would.
func (s *samples) offer(sy *Synchronizer, ts float64) bool {
	b := frames.NewColorBuffer(ts, 4, 4, nil, func(*frames.ColorBuffer) {
		s.mu.Lock()
		s.freed++
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.live = append(s.live, b)
	s.mu.Unlock()
	emitted := sy.OnColorSample(b)
	b.Release()
	return emitted
}

func (s *samples) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.live {
		n += b.Refs()
	}
	return n
}

func frame(seq uint32, ts float64) *frames.Frame {
	return &frames.Frame{Kind: frames.KindDepth, Width: 2, Height: 1, Sequence: seq, Timestamp: ts, Data: []uint16{1, 2}}
}

func TestDefaults(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.InDelta(t, 1.0/60, s.Tolerance(), 1e-12)
	assert.Equal(t, 4, s.Capacity())
}

func TestSampleBeforeFrameEmitsOnePairAndPurges(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Tolerance: 0.01}, rec.emit, nil)
	pool := &samples{}

	pool.offer(s, 1.000)
	pool.offer(s, 1.033)
	pool.offer(s, 1.066)
	require.Equal(t, 3, s.Buffered())

	assert.True(t, s.OnFrame(frame(1, 1.034)))

	assert.Equal(t, []pair{{seq: 1, frameTS: 1.034, sampleTS: 1.033}}, rec.all())
	assert.Equal(t, 1, s.Buffered(), "samples at or before the match are purged")
	assert.Equal(t, 1, pool.outstanding())
	assert.Equal(t, 2, pool.freed)

	s.Reset()
	assert.Equal(t, 0, pool.outstanding())
}

func TestFrameBeforeSampleEmitsFromColorPath(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Tolerance: 0.01}, rec.emit, nil)
	pool := &samples{}

	src := frame(7, 2.0)
	assert.False(t, s.OnFrame(src))
	assert.True(t, s.Holding())

	// The borrowed frame is invalidated after the callback returns.
	src.Timestamp = 0
	src.Sequence = 0

	assert.True(t, pool.offer(s, 2.004))
	assert.Equal(t, []pair{{seq: 7, frameTS: 2.0, sampleTS: 2.004}}, rec.all())
	assert.False(t, s.Holding())
	assert.Equal(t, 0, pool.outstanding())
}

func TestNewerFrameSupersedesHeld(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Tolerance: 0.01}, rec.emit, nil)
	pool := &samples{}

	s.OnFrame(frame(1, 1.0))
	s.OnFrame(frame(2, 1.1))
	pool.offer(s, 1.001)
	assert.Empty(t, rec.all())

	pool.offer(s, 1.105)
	assert.Equal(t, []pair{{seq: 2, frameTS: 1.1, sampleTS: 1.105}}, rec.all())
	assert.Equal(t, uint64(1), s.Stats().Superseded)
	s.Reset()
}

func TestHeldFrameExpires(t *testing.T) {
	s := New(Config{Tolerance: 0.01}, nil, nil)
	pool := &samples{}

	s.OnFrame(frame(1, 1.0))
	pool.offer(s, 1.5)
	assert.False(t, s.Holding())
	assert.Equal(t, uint64(1), s.Stats().Expired)
	s.Reset()
	assert.Equal(t, 0, pool.outstanding())
}

func TestOutOfOrderSamplesAreDropped(t *testing.T) {
	s := New(Config{}, nil, nil)
	pool := &samples{}

	pool.offer(s, 1.0)
	pool.offer(s, 1.0)
	pool.offer(s, 0.5)
	assert.Equal(t, 1, s.Buffered())
	assert.Equal(t, uint64(2), s.Stats().OutOfOrder)
	assert.Equal(t, 1, pool.outstanding())
	s.Reset()
	assert.Equal(t, 0, pool.outstanding())
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(Config{Capacity: 2}, nil, nil)
	pool := &samples{}

	for i := 0; i < 5; i++ {
		pool.offer(s, float64(i))
	}
	assert.Equal(t, 2, s.Buffered())
	assert.Equal(t, uint64(3), s.Stats().Evicted)
	assert.Equal(t, 3, pool.freed)
	s.Reset()
	assert.Equal(t, 5, pool.freed)
}

// For strictly increasing streams no pair exceeds the tolerance and no frame
// is paired twice.
func TestPairingProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		rec := &recorder{}
		tol := 0.005 + rng.Float64()*0.02
		s := New(Config{Tolerance: tol, Capacity: 1 + rng.Intn(6)}, rec.emit, nil)
		pool := &samples{}

		frameTS, colorTS := 0.0, 0.0
		var seq uint32
		for i := 0; i < 300; i++ {
			if rng.Intn(2) == 0 {
				frameTS += 0.001 + rng.Float64()*0.04
				seq++
				s.OnFrame(frame(seq, frameTS))
			} else {
				colorTS += 0.001 + rng.Float64()*0.04
				pool.offer(s, colorTS)
			}
		}

		seen := map[uint32]bool{}
		for _, p := range rec.all() {
			assert.LessOrEqual(t, math.Abs(p.sampleTS-p.frameTS), tol)
			assert.False(t, seen[p.seq], "frame %d paired twice", p.seq)
			seen[p.seq] = true
		}
		assert.LessOrEqual(t, s.Buffered(), s.Capacity())

		s.Reset()
		assert.Equal(t, 0, pool.outstanding())
	}
}

func TestConcurrentProducers(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Tolerance: 0.02}, rec.emit, nil)
	pool := &samples{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.OnFrame(frame(uint32(i+1), float64(i)/30))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			pool.offer(s, float64(i)/30+0.001)
		}
	}()
	wg.Wait()

	for _, p := range rec.all() {
		assert.LessOrEqual(t, math.Abs(p.sampleTS-p.frameTS), 0.02)
	}
	s.Reset()
	assert.Equal(t, 0, pool.outstanding())
}

func TestRecentPairingsWraps(t *testing.T) {
	s := New(Config{Tolerance: 0.01}, nil, nil)
	pool := &samples{}
	for i := 0; i < historySize+10; i++ {
		ts := float64(i)
		pool.offer(s, ts)
		s.OnFrame(frame(uint32(i), ts))
	}
	got := s.RecentPairings()
	require.Len(t, got, historySize)
	assert.Equal(t, 10.0, got[0].FrameTimestamp)
	assert.Equal(t, float64(historySize+9), got[len(got)-1].FrameTimestamp)
	s.Reset()
}

func TestClosedSynchronizerIgnoresInput(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec.emit, nil)
	pool := &samples{}

	pool.offer(s, 1.0)
	s.Close()
	assert.Equal(t, 0, pool.outstanding())

	assert.False(t, pool.offer(s, 2.0))
	assert.False(t, s.OnFrame(frame(1, 2.0)))
	assert.Equal(t, 0, s.Buffered())
	assert.False(t, s.Holding())
	assert.Equal(t, 0, pool.outstanding())
	assert.Empty(t, rec.all())
}
