package emulators

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memory backs a Launch with host slices keyed by argument index.
type memory map[uint32][]byte

func (m memory) launch(global []int, scalars map[uint32][]byte) *Launch {
	args := make(map[uint32][]byte, len(scalars))
	for k, v := range scalars {
		args[k] = v
	}
	return &Launch{
		GlobalSize: global,
		Args:       args,
		ReadBuffer: func(index uint32) ([]byte, error) {
			raw, ok := m[index]
			if !ok {
				return nil, errors.New("not a buffer")
			}
			return raw, nil
		},
		WriteBuffer: func(index uint32, data []byte) error {
			m[index] = append([]byte(nil), data...)
			return nil
		},
	}
}

func u32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestLaunch(t *testing.T) {
	mem := memory{0: Float32Bytes(1.5, -2)}
	l := mem.launch([]int{4, 3}, map[uint32][]byte{1: u32(7), 2: {1}})

	assert.Equal(t, 12, l.Items())

	v, err := l.Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	_, err = l.Uint32(2)
	assert.Error(t, err, "short scalar")
	_, err = l.Uint32(9)
	assert.Error(t, err, "unset argument")

	got, err := l.Float32s(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, got)

	require.NoError(t, l.PutFloat32s(3, []float32{4}))
	assert.Equal(t, Float32Bytes(4), mem[3])
}

func TestMatrixMultiplicationEmulator(t *testing.T) {
	log := zaptest.NewLogger(t)

	t.Run("2x3 by 3x2", func(t *testing.T) {
		mem := memory{
			0: Float32Bytes(1, 2, 3, 4, 5, 6),
			1: Float32Bytes(7, 8, 9, 10, 11, 12),
		}
		l := mem.launch([]int{2, 2}, map[uint32][]byte{3: u32(2), 4: u32(3), 5: u32(2)})
		require.NoError(t, (&MatrixMultiplicationEmulator{}).Execute(l, log))
		assert.Equal(t, Float32Bytes(58, 64, 139, 154), mem[2])
	})

	tests := []struct {
		name    string
		a, b    []float32
		m, k, n uint32
	}{
		{name: "zero dimension", a: []float32{1}, b: []float32{1}, m: 0, k: 1, n: 1},
		{name: "short A", a: []float32{1, 2}, b: []float32{1, 2, 3, 4}, m: 2, k: 2, n: 2},
		{name: "short B", a: []float32{1, 2, 3, 4}, b: []float32{1}, m: 2, k: 2, n: 2},
		{name: "dimensions wrap in 32 bits", a: []float32{1}, b: []float32{1}, m: 1 << 16, k: 1 << 16, n: 1},
		{name: "result too large", a: []float32{1}, b: []float32{1}, m: 1 << 20, k: 1, n: 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory{0: Float32Bytes(tt.a...), 1: Float32Bytes(tt.b...)}
			l := mem.launch([]int{1}, map[uint32][]byte{3: u32(tt.m), 4: u32(tt.k), 5: u32(tt.n)})
			assert.Error(t, (&MatrixMultiplicationEmulator{}).Execute(l, log))
			assert.NotContains(t, mem, uint32(2))
		})
	}
}

func TestVectorAddEmulator(t *testing.T) {
	log := zaptest.NewLogger(t)

	t.Run("adds the first global-size values", func(t *testing.T) {
		mem := memory{
			0: Float32Bytes(1, 2, 3, 100),
			1: Float32Bytes(0.5, -2, 4, 100),
		}
		l := mem.launch([]int{3}, nil)
		require.NoError(t, (&VectorAddEmulator{}).Execute(l, log))
		assert.Equal(t, Float32Bytes(1.5, 0, 7), mem[2])
	})

	t.Run("short input", func(t *testing.T) {
		mem := memory{0: Float32Bytes(1), 1: Float32Bytes(1, 2)}
		l := mem.launch([]int{2}, nil)
		assert.Error(t, (&VectorAddEmulator{}).Execute(l, log))
	})
}
