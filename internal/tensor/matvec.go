package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatVec computes dst = w * x, treating w as [out x in].
// It is used for the tied output projection where each vocabulary row is
// dotted with the hidden state.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	blas32.Gemv(blas.NoTrans, 1, w.general(),
		blas32.Vector{N: w.C, Data: x, Inc: 1},
		0, blas32.Vector{N: w.R, Data: dst, Inc: 1})
}

// VecMat computes dst = x * w + bias, treating w as [in x out]. This is the
// layout of Conv1D weights in GPT-2 checkpoints. bias may be nil.
func VecMat(dst []float32, x []float32, w *Mat, bias []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.C || len(x) < w.R {
		panic("vecmat shape mismatch")
	}
	beta := float32(0)
	if bias != nil {
		if len(bias) < w.C {
			panic("vecmat bias too small")
		}
		copy(dst[:w.C], bias[:w.C])
		beta = 1
	}
	blas32.Gemv(blas.Trans, 1, w.general(),
		blas32.Vector{N: w.R, Data: x, Inc: 1},
		beta, blas32.Vector{N: w.C, Data: dst, Inc: 1})
}
