package frames

import (
	"sync"
	"sync/atomic"
)

// maxPooledPixels caps the buffers kept for reuse; anything larger is left
// to the garbage collector.
const maxPooledPixels = 640 * 488

// Pool hands out reusable frame buffers. The producer borrows a frame with
// Get, fills it, delivers it, and returns it with Put once the callback
// returns; Put zeroes the header so a retained pointer reads as empty.
type Pool struct {
	frames sync.Pool
	pixels sync.Pool

	gets   atomic.Uint64
	allocs atomic.Uint64
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	p.frames.New = func() interface{} { return new(Frame) }
	p.pixels.New = func() interface{} {
		p.allocs.Add(1)
		s := make([]uint16, 0, 320*248)
		return &s
	}
	return p
}

// Get returns a frame with a buffer of width*height pixels. Pixel contents
// are unspecified.
func (p *Pool) Get(kind Kind, width, height int) *Frame {
	p.gets.Add(1)
	f := p.frames.Get().(*Frame)
	f.Kind = kind
	f.Width = width
	f.Height = height
	f.Timestamp = 0
	f.Sequence = 0
	f.Data = p.getPixels(width * height)
	return f
}

// Put invalidates f and returns its storage to the pool.
func (p *Pool) Put(f *Frame) {
	if f == nil {
		return
	}
	p.putPixels(f.Data)
	*f = Frame{}
	p.frames.Put(f)
}

// GetPixels borrows a scratch buffer of n pixels.
func (p *Pool) GetPixels(n int) []uint16 { return p.getPixels(n) }

// PutPixels returns a scratch buffer obtained from GetPixels.
func (p *Pool) PutPixels(s []uint16) { p.putPixels(s) }

func (p *Pool) getPixels(n int) []uint16 {
	sp := p.pixels.Get().(*[]uint16)
	s := *sp
	if cap(s) < n {
		p.pixels.Put(sp)
		p.allocs.Add(1)
		return make([]uint16, n)
	}
	return s[:n]
}

func (p *Pool) putPixels(s []uint16) {
	if s == nil || cap(s) > maxPooledPixels {
		return
	}
	s = s[:0]
	p.pixels.Put(&s)
}

// Stats reports the number of Get calls and fresh buffer allocations.
func (p *Pool) Stats() (gets, allocs uint64) {
	return p.gets.Load(), p.allocs.Load()
}
