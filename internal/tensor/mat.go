package tensor

import (
	"errors"
	"math/rand"
)

var (
	errNegativeDim      = errors.New("negative dimension for matrix")
	errDataSizeMismatch = errors.New("data length mismatch")
)

// Mat represents a dense row-major matrix.
//
// For f32 storage Data holds the values. For f16/bf16 storage Half holds the
// raw 16-bit words and rows are widened to float32 when read.
type Mat struct {
	R, C int

	DType DType
	Data  []float32
	Half  []uint16
}

// NewMat allocates a zeroed f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(errNegativeDim.Error())
	}
	return Mat{R: r, C: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing f32 data. The length must equal r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{R: r, C: c, DType: F32, Data: data}, nil
}

// Materialize stores data in the requested precision. The input slice is
// retained as-is for F32.
func Materialize(r, c int, data []float32, dtype DType) (Mat, error) {
	m, err := NewMatFromData(r, c, data)
	if err != nil || dtype == F32 {
		return m, err
	}
	return Mat{R: r, C: c, DType: dtype, Half: EncodeHalf(dtype, data)}, nil
}

// RowTo decodes the i-th row into dst, which must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.C
	switch m.DType {
	case F32:
		copy(dst[:m.C], m.Data[start:start+m.C])
	case F16:
		for j, u := range m.Half[start : start+m.C] {
			dst[j] = f16ToF32(u)
		}
	case BF16:
		for j, u := range m.Half[start : start+m.C] {
			dst[j] = bf16ToF32(u)
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// Row returns the i-th row. For f32 it is a view into Data, otherwise a copy.
func (m *Mat) Row(i int) []float32 {
	if m.DType == F32 {
		if i < 0 || i >= m.R {
			panic("row index out of range")
		}
		return m.Data[i*m.C : (i+1)*m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// FillRand fills an f32 matrix with reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	if m.DType != F32 {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
