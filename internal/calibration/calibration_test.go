package calibration

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/depthkit/internal/sensorerr"
)

type fakeRepo struct {
	rec   *Record
	err   error
	calls int
}

func (f *fakeRepo) LookupCalibration(ctx context.Context, serial, host string) (*Record, error) {
	f.calls++
	return f.rec, f.err
}

func rotZ(deg float64, t [3]float32) Extrinsics {
	c, s := float32(math.Cos(deg*math.Pi/180)), float32(math.Sin(deg*math.Pi/180))
	return NewExtrinsics([9]float32{c, -s, 0, s, c, 0, 0, 0, 1}, t)
}

func TestExtrinsicsLayoutIsColumnMajor(t *testing.T) {
	e := NewExtrinsics([9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float32{0.1, 0.2, 0.3})
	assert.Equal(t, [3]float32{0.1, 0.2, 0.3}, e.Translation())
	assert.Equal(t, float32(0.1), e[12])
	assert.Equal(t, float32(0.1), e.At(0, 3))
	assert.Equal(t, float32(1), e[15])
}

func TestExtrinsicsValidate(t *testing.T) {
	assert.NoError(t, Identity().Validate())
	assert.NoError(t, rotZ(30, [3]float32{0.05, 0, 0}).Validate())
	assert.NoError(t, approximatePose.Validate())

	assert.True(t, IsInvalidValue(Unset.Validate()))

	scaled := Identity()
	scaled[0] = 2
	assert.True(t, IsInvalidValue(scaled.Validate()))

	sheared := Identity()
	sheared[4] = 0.5
	assert.True(t, IsInvalidValue(sheared.Validate()))

	nan := Identity()
	nan[13] = float32(math.NaN())
	assert.True(t, IsInvalidValue(nan.Validate()))

	mirrored := Identity()
	mirrored[0] = -1
	assert.True(t, IsInvalidValue(mirrored.Validate()))
}

func TestExtrinsicsInverse(t *testing.T) {
	e := rotZ(20, [3]float32{0.034, -0.01, 0.017})
	inv := e.Inverse()

	var prod mat.Dense
	prod.Mul(e.Dense(), inv.Dense())
	assert.True(t, mat.EqualApprox(&prod, mat.NewDiagDense(4, []float64{1, 1, 1, 1}), 1e-5))

	x, y, z := e.Apply(0.1, 0.2, 1.0)
	bx, by, bz := inv.Apply(x, y, z)
	assert.InDelta(t, 0.1, bx, 1e-5)
	assert.InDelta(t, 0.2, by, 1e-5)
	assert.InDelta(t, 1.0, bz, 1e-5)
}

func TestFromDenseRejectsWrongShape(t *testing.T) {
	_, err := FromDense(mat.NewDense(3, 3, nil))
	assert.Error(t, err)

	e := rotZ(5, [3]float32{1, 2, 3})
	back, err := FromDense(e.Dense())
	require.NoError(t, err)
	assert.Equal(t, e, back)
}

func TestStoreSetRoundTripUntilDetach(t *testing.T) {
	s := NewStore(nil)
	m := rotZ(1, [3]float32{0.03, 0.001, 0.02})

	assert.ErrorIs(t, s.Set(m), ErrNotAttached)
	assert.Equal(t, Unset, s.Get())

	s.Attach(context.Background(), "SN1", "unknown-host")
	require.NoError(t, s.Set(m))
	assert.Equal(t, m, s.Get())
	assert.Equal(t, m, s.Get())

	s.Detach()
	assert.Equal(t, Unset, s.Get())
	assert.Equal(t, TypeNone, s.Type())
	assert.False(t, s.Attached())
}

func TestStoreSetRejectsNonRigid(t *testing.T) {
	s := NewStore(nil)
	s.Attach(context.Background(), "SN1", "iPad4,1")
	before := s.Get()

	bad := Identity()
	bad[0] = 3
	err := s.Set(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sensorerr.New(sensorerr.InvalidValue, "")))
	assert.Equal(t, before, s.Get())
}

func TestStoreTiers(t *testing.T) {
	ctx := context.Background()
	device := rotZ(2, [3]float32{0.03, 0, 0.02})

	tests := []struct {
		name string
		repo *fakeRepo
		host string
		want Type
		pose Extrinsics
	}{
		{"unknown host", &fakeRepo{}, "Pixel9", TypeNone, Unset},
		{"known host", &fakeRepo{}, "iPad5,3", TypeApproximate, approximatePose},
		{"device record", &fakeRepo{rec: &Record{ID: "r1", Extrinsics: device}}, "Pixel9", TypeDeviceSpecific, device},
		{"lookup error falls back", &fakeRepo{err: errors.New("boom")}, "iPad5,3", TypeApproximate, approximatePose},
		{"invalid record ignored", &fakeRepo{rec: &Record{ID: "r2", Extrinsics: Unset}}, "Pixel9", TypeNone, Unset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(tt.repo)
			assert.Equal(t, tt.want, s.Attach(ctx, "SN42", tt.host))
			assert.Equal(t, tt.want, s.Type())
			assert.Equal(t, tt.pose, s.Get())
			assert.Equal(t, 1, tt.repo.calls)

			serial, host := s.Pairing()
			assert.Equal(t, "SN42", serial)
			assert.Equal(t, tt.host, host)
		})
	}
}

func TestStoreActivateSnapshots(t *testing.T) {
	s := NewStore(nil)
	s.Attach(context.Background(), "SN1", "iPhone8,1")

	first := s.Activate()
	assert.Equal(t, approximatePose, first)

	m := rotZ(3, [3]float32{0.02, 0, 0})
	require.NoError(t, s.Set(m))
	assert.Equal(t, first, s.Active())
	assert.Equal(t, m, s.Activate())
	assert.Equal(t, m, s.Active())

	s.Detach()
	assert.Equal(t, Unset, s.Active())
}

func TestApproximateCalibrationGuaranteed(t *testing.T) {
	assert.True(t, ApproximateCalibrationGuaranteed("iPad4,1"))
	assert.False(t, ApproximateCalibrationGuaranteed(""))
	assert.False(t, ApproximateCalibrationGuaranteed("iPad9,9"))
}
