package emulators

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Launch is one kernel launch as seen by an emulator: its global size and
// argument values. Buffer arguments are read and written through the
// callbacks, which perform real blocking transfers.
type Launch struct {
	GlobalSize []int
	Args       map[uint32][]byte

	ReadBuffer  func(index uint32) ([]byte, error)
	WriteBuffer func(index uint32, data []byte) error
}

// Uint32 decodes a scalar argument.
func (l *Launch) Uint32(index uint32) (uint32, error) {
	v, ok := l.Args[index]
	if !ok || len(v) < 4 {
		return 0, fmt.Errorf("argument %d is not a 32-bit scalar", index)
	}
	return binary.LittleEndian.Uint32(v), nil
}

// Float32s reads a buffer argument as float32 values.
func (l *Launch) Float32s(index uint32) ([]float32, error) {
	raw, err := l.ReadBuffer(index)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// PutFloat32s writes float32 values into a buffer argument.
func (l *Launch) PutFloat32s(index uint32, vals []float32) error {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return l.WriteBuffer(index, raw)
}

// Items is the total number of work-items.
func (l *Launch) Items() int {
	n := 1
	for _, g := range l.GlobalSize {
		n *= g
	}
	return n
}

// Float32Bytes encodes values the way PutFloat32s does.
func Float32Bytes(vals ...float32) []byte {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return raw
}
