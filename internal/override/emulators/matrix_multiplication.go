package emulators

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// maxElements bounds each operand and the result of an emulated multiply.
const maxElements = 1 << 28

// MatrixMultiplicationEmulator runs matmul_f32(A, B, C, M, K, N), computing
// C = A * B where A is M×K, B is K×N and C is M×N, all row-major float32.
type MatrixMultiplicationEmulator struct{}

// Execute performs the multiplication on the host.
func (e *MatrixMultiplicationEmulator) Execute(l *Launch, log *zap.Logger) error {
	m, err := l.Uint32(3)
	if err != nil {
		return err
	}
	k, err := l.Uint32(4)
	if err != nil {
		return err
	}
	n, err := l.Uint32(5)
	if err != nil {
		return err
	}
	if m == 0 || k == 0 || n == 0 {
		return fmt.Errorf("matrix dimensions must be positive: %dx%dx%d", m, k, n)
	}
	rows, inner, cols := int(m), int(k), int(n)
	if rows > maxElements/inner || inner > maxElements/cols || rows > maxElements/cols {
		return fmt.Errorf("matrix dimensions %dx%dx%d exceed %d elements", m, k, n, maxElements)
	}

	av, err := l.Float32s(0)
	if err != nil {
		return err
	}
	bv, err := l.Float32s(1)
	if err != nil {
		return err
	}
	if len(av) < rows*inner || len(bv) < inner*cols {
		log.Error("Matrix buffers are smaller than their dimensions",
			zap.Int("a_len", len(av)),
			zap.Int("b_len", len(bv)))
		return fmt.Errorf("matrix buffers too small for %dx%dx%d", m, k, n)
	}

	a := mat.NewDense(rows, inner, toFloat64(av[:rows*inner]))
	b := mat.NewDense(inner, cols, toFloat64(bv[:inner*cols]))

	var res mat.Dense
	res.Mul(a, b)

	out := make([]float32, 0, rows*cols)
	for i := range rows {
		for j := range cols {
			out = append(out, float32(res.At(i, j)))
		}
	}
	log.Debug("emulated matrix multiplication", zap.Uint32("m", m), zap.Uint32("k", k), zap.Uint32("n", n))
	return l.PutFloat32s(2, out)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
