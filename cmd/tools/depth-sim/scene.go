package main

import (
	"math"

	"github.com/banshee-data/depthkit/internal/frames"
	"github.com/banshee-data/depthkit/internal/stream"
)

// scene renders a wall at 2 m with a sphere sweeping across it. Pixels past
// the sphere's silhouette edge read as holes, as a real sensor would report
// them.
type scene struct {
	mode stream.Mode
	pool *frames.Pool
	seq  uint32
}

func newScene(mode stream.Mode) *scene {
	return &scene{mode: mode, pool: frames.NewPool()}
}

// render returns the frames the mode produces at ts. Release them with
// s.pool.Put once sent.
func (s *scene) render(ts float64) []*frames.Frame {
	s.seq++
	var out []*frames.Frame
	if w, h := s.mode.DepthSize(); w > 0 {
		out = append(out, s.depth(w, h, ts))
	}
	if w, h := s.mode.InfraredSize(); w > 0 {
		out = append(out, s.infrared(w, h, ts))
	}
	return out
}

func (s *scene) sphere(w, h int, ts float64) (cx, cy, r float64) {
	cx = float64(w) * (0.5 + 0.35*math.Sin(ts))
	cy = float64(h) * 0.5
	r = float64(h) * 0.2
	return cx, cy, r
}

func (s *scene) depth(w, h int, ts float64) *frames.Frame {
	f := s.pool.Get(frames.KindDepth, w, h)
	f.Timestamp = ts
	f.Sequence = s.seq
	cx, cy, r := s.sphere(w, h, ts)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			d2 := dx*dx + dy*dy
			var mm float64
			switch {
			case d2 < r*r*0.9:
				mm = 1200 - 300*math.Sqrt(1-d2/(r*r))
			case d2 < r*r:
				mm = 0
			default:
				mm = 2000 + float64(y)
			}
			f.Data[y*w+x] = uint16(mm)
		}
	}
	return f
}

func (s *scene) infrared(w, h int, ts float64) *frames.Frame {
	f := s.pool.Get(frames.KindInfrared, w, h)
	f.Timestamp = ts
	f.Sequence = s.seq
	cx, cy, r := s.sphere(w, h, ts)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			v := 200.0
			if dx*dx+dy*dy < r*r {
				v = 900
			}
			f.Data[y*w+x] = uint16(v) + uint16((x*7+y*13)%32)
		}
	}
	return f
}
