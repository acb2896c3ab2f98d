package frames

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthkit/internal/calibration"
)

func TestFrameCloneIsIndependent(t *testing.T) {
	f := &Frame{Kind: KindDepth, Width: 2, Height: 2, Timestamp: 1.5, Sequence: 7, Data: []uint16{1, 2, 3, 4}}
	c := f.Clone()
	f.Data[0] = 99

	assert.Equal(t, uint16(1), c.Data[0])
	assert.Equal(t, f.Timestamp, c.Timestamp)
	assert.Equal(t, uint32(7), c.Sequence)
	assert.True(t, c.Valid())
	assert.Nil(t, (*Frame)(nil).Clone())
}

func TestFrameCopyFromReusesBuffer(t *testing.T) {
	dst := &Frame{Data: make([]uint16, 0, 16)}
	backing := dst.Data[:1]
	src := &Frame{Kind: KindInfrared, Width: 2, Height: 1, Data: []uint16{5, 6}}

	dst.CopyFrom(src)

	assert.Equal(t, []uint16{5, 6}, dst.Data)
	assert.Equal(t, KindInfrared, dst.Kind)
	assert.Same(t, &backing[0], &dst.Data[0])
}

func TestFrameValid(t *testing.T) {
	assert.False(t, (*Frame)(nil).Valid())
	assert.False(t, (&Frame{Width: 2, Height: 2, Data: []uint16{1}}).Valid())
	assert.True(t, (&Frame{Width: 1, Height: 1, Data: []uint16{1}}).Valid())
}

func TestPoolPutInvalidatesFrame(t *testing.T) {
	p := NewPool()
	f := p.Get(KindDepth, 320, 240)
	require.Len(t, f.Data, 320*240)
	f.Timestamp = 3

	p.Put(f)

	assert.Equal(t, Frame{}, *f)
	gets, _ := p.Stats()
	assert.Equal(t, uint64(1), gets)
}

func TestPoolOversizeBuffersAreNotKept(t *testing.T) {
	p := NewPool()
	big := make([]uint16, maxPooledPixels+1)
	p.PutPixels(big)
	s := p.GetPixels(10)
	assert.Len(t, s, 10)
	assert.LessOrEqual(t, cap(s), maxPooledPixels)
}

func TestColorBufferRefcount(t *testing.T) {
	freed := 0
	b := NewColorBuffer(2.0, 4, 4, make([]byte, 64), func(*ColorBuffer) { freed++ })
	assert.Equal(t, 1, b.Refs())

	b.Retain()
	assert.Equal(t, 2, b.Refs())
	b.Release()
	assert.Equal(t, 0, freed)
	b.Release()
	assert.Equal(t, 1, freed)

	assert.Panics(t, func() { b.Release() })
}

func TestColorBufferRetainAfterReleasePanics(t *testing.T) {
	b := NewColorBuffer(0, 1, 1, nil, nil)
	b.Release()
	assert.Panics(t, func() { b.Retain() })
}

func TestFloatDepthFrameMarksMissingAsNaN(t *testing.T) {
	src := &Frame{Kind: KindDepth, Width: 3, Height: 1, Timestamp: 4, Data: []uint16{0, 1200, 800}}
	f := NewFloatDepthFrame(nil, false)
	f.UpdateFromDepthFrame(src)

	assert.True(t, math.IsNaN(float64(f.At(0, 0))))
	assert.Equal(t, float32(1200), f.At(1, 0))
	assert.Equal(t, 2, f.ValidPixels())
	assert.Equal(t, 4.0, f.Timestamp)

	c := NewFloatDepthFrameFrom(f)
	f.Millimeters[1] = 1
	assert.Equal(t, float32(1200), c.Millimeters[1])
}

func qvga() Intrinsics {
	return Intrinsics{Fx: 288, Fy: 288, Cx: 159.5, Cy: 119.5, Width: 320, Height: 240}
}

func TestIntrinsicsScaled(t *testing.T) {
	vga := qvga().Scaled(640, 480)
	assert.InDelta(t, 576, vga.Fx, 1e-9)
	assert.InDelta(t, 319.5, vga.Cx, 1e-9)
	assert.InDelta(t, 239.5, vga.Cy, 1e-9)
	assert.Equal(t, qvga(), qvga().Scaled(320, 240))
}

func TestRegistrationIdentityPreservesDepth(t *testing.T) {
	reg, err := NewRegistration(qvga(), qvga(), calibration.Identity())
	require.NoError(t, err)

	src := make([]uint16, 320*240)
	src[120*320+160] = 1000
	src[10*320+10] = 2500
	dst := make([]uint16, len(src))
	reg.WarpRaw(dst, src)

	assert.Equal(t, src, dst)
}

func TestRegistrationRejectsInvalidPose(t *testing.T) {
	_, err := NewRegistration(qvga(), qvga(), calibration.Unset)
	assert.Error(t, err)
}

func TestRegisteredToColorIsCached(t *testing.T) {
	reg, err := NewRegistration(qvga(), qvga(), calibration.Identity())
	require.NoError(t, err)

	src := &Frame{Kind: KindDepth, Width: 320, Height: 240, Data: make([]uint16, 320*240)}
	src.Data[0] = 500
	f := NewFloatDepthFrame(reg, false)
	f.UpdateFromDepthFrame(src)

	out, ok := f.RegisteredToColor()
	require.True(t, ok)
	assert.NotSame(t, f, out)
	again, _ := f.RegisteredToColor()
	assert.Same(t, out, again)
	assert.Equal(t, float32(500), out.At(0, 0))

	f.UpdateFromDepthFrame(src)
	again, _ = f.RegisteredToColor()
	assert.NotSame(t, out, again)
}

func TestRegisteredToColorPassThrough(t *testing.T) {
	src := &Frame{Kind: KindDepth, Width: 2, Height: 1, Data: []uint16{1, 2}}

	registered := NewFloatDepthFrame(nil, true)
	registered.UpdateFromDepthFrame(src)
	out, ok := registered.RegisteredToColor()
	assert.Same(t, registered, out)
	assert.True(t, ok, "registered streams are already in the color view")

	unbound := NewFloatDepthFrame(nil, false)
	unbound.UpdateFromDepthFrame(src)
	out, ok = unbound.RegisteredToColor()
	assert.Same(t, unbound, out)
	assert.False(t, ok, "no registration leaves the raw view")

	reg, err := NewRegistration(qvga(), qvga(), calibration.Identity())
	require.NoError(t, err)
	mismatched := NewFloatDepthFrame(reg, false)
	mismatched.UpdateFromDepthFrame(src)
	out, ok = mismatched.RegisteredToColor()
	assert.Same(t, mismatched, out)
	assert.False(t, ok)
}

func TestFillHoles(t *testing.T) {
	src := []uint16{
		100, 100, 100,
		100, 0, 100,
		100, 100, 100,
	}
	dst := make([]uint16, len(src))
	FillHoles(dst, src, 3, 3, 1)
	assert.Equal(t, uint16(100), dst[4])

	lonely := []uint16{0, 0, 0, 0}
	FillHoles(dst[:4], lonely, 2, 2, 1)
	assert.Equal(t, []uint16{0, 0, 0, 0}, dst[:4])

	edge := []uint16{
		0, 200,
		0, 0,
	}
	out := make([]uint16, 4)
	FillHoles(out, edge, 2, 2, 2)
	assert.Equal(t, []uint16{0, 200, 0, 0}, out)
	FillHoles(out, edge, 2, 2, 1)
	assert.Equal(t, []uint16{200, 200, 200, 200}, out)
}

func TestDepthToRGBA(t *testing.T) {
	_, err := NewDepthToRGBA(2, 1, RGBAStrategy(9), 0, 1000)
	require.Error(t, err)
	_, err = NewDepthToRGBA(2, 1, Gray, 1000, 1000)
	require.Error(t, err)

	c, err := NewDepthToRGBA(3, 1, RedToBlueGradient, 100, 1000)
	require.NoError(t, err)

	f := &FloatDepthFrame{Width: 3, Height: 1, Millimeters: []float32{float32(math.NaN()), 100, 1000}}
	img, err := c.Convert(f)
	require.NoError(t, err)

	assert.Equal(t, []uint8{0, 0, 0, 255}, img.Pix[0:4])
	assert.Equal(t, []uint8{255, 0, 0, 255}, img.Pix[4:8])
	assert.Equal(t, []uint8{0, 0, 255, 255}, img.Pix[8:12])

	c.Strategy = Gray
	img, err = c.Convert(f)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 0, 255}, img.Pix[8:12])
	assert.Equal(t, []uint8{255, 255, 255, 255}, img.Pix[4:8])

	_, err = c.Convert(&FloatDepthFrame{Width: 1, Height: 1, Millimeters: []float32{1}})
	assert.Error(t, err)
}
