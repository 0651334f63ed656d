// Package cpu is a pure Go tensor backend. Operations are evaluated eagerly
// when they are built, so Forward and Compute only mark graph boundaries.
package cpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/whisper/format"
	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/ml"
)

type Backend struct {
	config  fs.Config
	tensors map[string]*Tensor
	threads int
}

func New(m *fs.Model, params ml.BackendParams) (ml.Backend, error) {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	b := &Backend{
		config:  m.KV,
		tensors: make(map[string]*Tensor, len(m.Tensors)),
		threads: threads,
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(threads)
	for _, t := range m.Tensors {
		g.Go(func() error {
			if len(t.Shape()) > maxDims {
				return fmt.Errorf("tensor %s: too many dimensions %v", t.Name(), t.Shape())
			}

			shape := make([]int, len(t.Shape()))
			for i, d := range t.Shape() {
				shape[i] = int(d)
			}

			data, err := t.Floats()
			if err != nil {
				return fmt.Errorf("tensor %s: %w", t.Name(), err)
			}

			tt := newTensor(b, ml.DTypeF32, shape)
			if len(data) != len(tt.data.f) {
				return fmt.Errorf("tensor %s: shape %v does not match %d elements", t.Name(), shape, len(data))
			}

			copy(tt.data.f, data)
			tt.name = t.Name()

			mu.Lock()
			defer mu.Unlock()
			b.tensors[t.Name()] = tt
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var size int64
	for _, t := range b.tensors {
		size += int64(t.n() * t.dtype.Size())
	}

	slog.Info("model weights", "backend", "cpu", "tensors", len(b.tensors), "size", format.HumanBytes(size), "threads", threads)
	return b, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) Config() fs.Config {
	return b.config
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) Close() {
	if b != nil {
		clear(b.tensors)
	}
}

type Context struct {
	b *Backend

	// allocated is the number of bytes handed out by this context
	allocated int
}

func (c *Context) alloc(dtype ml.DType, shape []int) *Tensor {
	t := newTensor(c.b, dtype, shape)
	c.allocated += t.n() * dtype.Size()
	return t
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.alloc(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.alloc(dtype, shape)
}

func checkShape[S ~[]E, E any](s S, shape ...int) error {
	if len(s) == 0 {
		return nil
	}

	n := 1
	for _, v := range shape {
		n *= v
	}

	if n != len(s) {
		return fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	return nil
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	t := c.alloc(ml.DTypeF32, shape)
	copy(t.data.f, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	t := c.alloc(ml.DTypeI32, shape)
	copy(t.data.i, s)
	return t, nil
}

func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	return c
}

func (c *Context) Compute(tensors ...ml.Tensor) {
	for _, t := range tensors {
		logutil.Trace("compute", "tensor", t)
	}
}

func (c *Context) Close() {
	if c != nil {
		logutil.Trace("context closed", "allocated", format.HumanBytes(int64(c.allocated)))
		c.allocated = 0
	}
}
