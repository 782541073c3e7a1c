package tensor

import (
	"math/rand"

	"gonum.org/v1/gonum/blas/blas32"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of elements
// between the starts of two consecutive rows; for matrices built here it is
// always C. Data may alias memory owned by someone else (for example a mapped
// weight file), in which case the matrix must not outlive that owner.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed matrix with the given number of rows and columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data without copying. The data length must
// equal r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r != 0 && (r*c)/r != c {
		return Mat{}, errMatTooLarge
	}
	if len(data) != r*c {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// Row returns a view of the i-th row. Writes through the slice update the
// matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

func (m *Mat) general() blas32.General {
	return blas32.General{Rows: m.R, Cols: m.C, Stride: m.Stride, Data: m.Data}
}

// FillRand fills the matrix with reproducible values in roughly (-scale/2, scale/2).
// The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errDataSizeMismatch = fmtError("data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
