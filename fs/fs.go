package fs

import (
	"fmt"
	"log/slog"
	"slices"
)

// Model is a loaded model container: its configuration and every named
// parameter tensor. Tensor names are the discoverable parameter names the
// model implementation declares through its struct tags.
type Model struct {
	KV      KV
	Tensors []Tensor
}

func (m Model) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("architecture", m.KV.Architecture()),
		slog.Int("tensors", len(m.Tensors)),
	)
}

// Tensor returns the tensor with the given name or nil.
func (m Model) Tensor(name string) Tensor {
	if i := slices.IndexFunc(m.Tensors, func(t Tensor) bool { return t.Name() == name }); i >= 0 {
		return m.Tensors[i]
	}

	return nil
}

// Tensor is a named parameter source. Shape is innermost dimension first,
// i.e. the reverse of the row-major shape reported by PyTorch.
type Tensor interface {
	Name() string
	Shape() []uint64
	Floats() ([]float32, error)
}

// Elements returns the number of elements described by shape.
func Elements(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}

	return n
}

type memTensor struct {
	name  string
	shape []uint64
	data  []float32
}

// NewTensor wraps an in-memory float32 buffer as a Tensor.
func NewTensor(name string, shape []uint64, data []float32) (Tensor, error) {
	if n := Elements(shape); n != uint64(len(data)) {
		return nil, fmt.Errorf("tensor %s: shape %v has %d elements, got %d", name, shape, n, len(data))
	}

	return &memTensor{name: name, shape: shape, data: data}, nil
}

func (t *memTensor) Name() string {
	return t.name
}

func (t *memTensor) Shape() []uint64 {
	return t.shape
}

func (t *memTensor) Floats() ([]float32, error) {
	return t.data, nil
}
