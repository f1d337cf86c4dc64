package emulators

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// VectorAddEmulator runs vector_add_f32(a, b, c): c[i] = a[i] + b[i] for every
// work-item i.
type VectorAddEmulator struct{}

// Execute performs the addition on the host.
func (e *VectorAddEmulator) Execute(l *Launch, log *zap.Logger) error {
	n := l.Items()
	a, err := l.Float32s(0)
	if err != nil {
		return err
	}
	b, err := l.Float32s(1)
	if err != nil {
		return err
	}
	if len(a) < n || len(b) < n {
		return fmt.Errorf("vector buffers hold %d and %d values, need %d", len(a), len(b), n)
	}
	sum := toFloat64(a[:n])
	floats.Add(sum, toFloat64(b[:n]))

	out := make([]float32, n)
	for i, v := range sum {
		out[i] = float32(v)
	}
	log.Debug("emulated vector add", zap.Int("n", n))
	return l.PutFloat32s(2, out)
}
