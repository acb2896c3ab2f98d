package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/depthkit/internal/sensorerr"
)

// MatrixValidationTolerance bounds the deviation of the rotation block from
// an orthonormal, unit-determinant matrix.
const MatrixValidationTolerance = 0.01

// Extrinsics is a 4x4 rigid transform stored as 16 float32 values in column
// major order. It maps a point in the color camera frame (X right, Y down,
// Z out) into the sensor frame. Translation is in meters.
type Extrinsics [16]float32

// Unset is the value reported when no calibration is available.
var Unset = Extrinsics{}

// Identity returns the identity transform.
func Identity() Extrinsics {
	return Extrinsics{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewExtrinsics builds a transform from a row-major 3x3 rotation and a
// translation in meters.
func NewExtrinsics(r [9]float32, t [3]float32) Extrinsics {
	var e Extrinsics
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			e.set(row, col, r[row*3+col])
		}
		e.set(row, 3, t[row])
	}
	e.set(3, 3, 1)
	return e
}

// At returns the element at the given row and column.
func (e Extrinsics) At(row, col int) float32 { return e[col*4+row] }

func (e *Extrinsics) set(row, col int, v float32) { e[col*4+row] = v }

// IsSet reports whether e differs from Unset.
func (e Extrinsics) IsSet() bool { return e != Unset }

// Translation returns the translation column in meters.
func (e Extrinsics) Translation() [3]float32 {
	return [3]float32{e[12], e[13], e[14]}
}

// Dense returns e as a row-major gonum matrix.
func (e Extrinsics) Dense() *mat.Dense {
	data := make([]float64, 16)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			data[row*4+col] = float64(e.At(row, col))
		}
	}
	return mat.NewDense(4, 4, data)
}

// FromDense converts a 4x4 gonum matrix back to column-major Extrinsics.
func FromDense(m mat.Matrix) (Extrinsics, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Unset, fmt.Errorf("expected 4x4 matrix, got %dx%d", r, c)
	}
	var e Extrinsics
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			e.set(row, col, float32(m.At(row, col)))
		}
	}
	return e, nil
}

// Validate checks that e is a finite rigid transform: orthonormal rotation
// with determinant 1 and a last row of [0 0 0 1].
func (e Extrinsics) Validate() error {
	for i, v := range e {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return sensorerr.New(sensorerr.InvalidValue, "extrinsics element %d is not finite", i)
		}
	}

	if e.At(3, 0) != 0 || e.At(3, 1) != 0 || e.At(3, 2) != 0 ||
		math.Abs(float64(e.At(3, 3))-1) > 0.001 {
		return sensorerr.New(sensorerr.InvalidValue, "extrinsics last row must be [0 0 0 1]")
	}

	rot := e.Dense().Slice(0, 3, 0, 3)
	det := mat.Det(rot)
	if math.Abs(det-1) > MatrixValidationTolerance {
		return sensorerr.New(sensorerr.InvalidValue, "rotation determinant %.4f is not 1", det)
	}

	var rtr mat.Dense
	rtr.Mul(rot.T(), rot)
	if !mat.EqualApprox(&rtr, eye3(), MatrixValidationTolerance) {
		return sensorerr.New(sensorerr.InvalidValue, "rotation block is not orthonormal")
	}
	return nil
}

// Inverse returns the inverse rigid transform, mapping sensor-frame points
// into the color camera frame.
func (e Extrinsics) Inverse() Extrinsics {
	m := e.Dense()
	rot := m.Slice(0, 3, 0, 3)
	t := mat.NewVecDense(3, []float64{m.At(0, 3), m.At(1, 3), m.At(2, 3)})

	var rt mat.Dense
	rt.CloneFrom(rot.T())

	var tInv mat.VecDense
	tInv.MulVec(&rt, t)
	tInv.ScaleVec(-1, &tInv)

	inv := mat.NewDense(4, 4, nil)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			inv.Set(row, col, rt.At(row, col))
		}
		inv.Set(row, 3, tInv.AtVec(row))
	}
	inv.Set(3, 3, 1)

	out, _ := FromDense(inv)
	return out
}

// Apply transforms a point (meters) by e.
func (e Extrinsics) Apply(x, y, z float64) (float64, float64, float64) {
	ox := float64(e.At(0, 0))*x + float64(e.At(0, 1))*y + float64(e.At(0, 2))*z + float64(e.At(0, 3))
	oy := float64(e.At(1, 0))*x + float64(e.At(1, 1))*y + float64(e.At(1, 2))*z + float64(e.At(1, 3))
	oz := float64(e.At(2, 0))*x + float64(e.At(2, 1))*y + float64(e.At(2, 2))*z + float64(e.At(2, 3))
	return ox, oy, oz
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}
