package cache

import (
	"errors"
	"fmt"

	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/ml"
)

var (
	ErrCacheFull  = errors.New("cache full")
	ErrOutOfRange = errors.New("cache index out of range")
)

// Causal is the self-attention cache of one decoding session. It owns one
// fixed-capacity arena per decoder layer. Arenas are append-only: each Put
// advances the layer's write cursor and entries are never evicted.
type Causal struct {
	DType    ml.DType
	Capacity int

	cacheCtx ml.Context
	layers   []*Layer
}

func NewCausal(backend ml.Backend, dtype ml.DType, capacity int) *Causal {
	return &Causal{
		DType:    dtype,
		Capacity: capacity,
		cacheCtx: backend.NewContext(),
	}
}

func (c *Causal) Close() {
	c.cacheCtx.Close()
	c.layers = nil
}

// Reset rewinds every layer so the arenas can serve a new session
func (c *Causal) Reset() {
	for _, l := range c.layers {
		if l != nil {
			l.cursor = 0
		}
	}
}

// Sub returns the cache of layer i
func (c *Causal) Sub(i int) *Layer {
	if i >= len(c.layers) {
		c.layers = append(c.layers, make([]*Layer, i-len(c.layers)+1)...)
	}

	if c.layers[i] == nil {
		c.layers[i] = &Layer{c: c, index: i}
	}

	return c.layers[i]
}

// Layers is the number of layers that have been accessed
func (c *Causal) Layers() int {
	return len(c.layers)
}

type Layer struct {
	c     *Causal
	index int

	// keys and values are [head_dim, heads, capacity]
	keys, values ml.Tensor
	cursor       int
}

// Len is the number of timesteps written to the layer
func (l *Layer) Len() int {
	return l.cursor
}

// Put appends key and value, each [head_dim, heads, seq], at the write
// cursor and returns the first totalSeqLen timesteps of the layer.
func (l *Layer) Put(ctx ml.Context, key, value ml.Tensor, totalSeqLen int) (ml.Tensor, ml.Tensor, error) {
	seq := key.Dim(2)
	if l.cursor+seq > l.c.Capacity {
		return nil, nil, fmt.Errorf("layer %d: %w: %d + %d exceeds %d", l.index, ErrCacheFull, l.cursor, seq, l.c.Capacity)
	}

	if l.keys == nil || l.values == nil {
		l.keys = l.c.cacheCtx.Zeros(l.c.DType, key.Dim(0), key.Dim(1), l.c.Capacity)
		l.values = l.c.cacheCtx.Zeros(l.c.DType, value.Dim(0), value.Dim(1), l.c.Capacity)
	}

	ctx.Forward(key.Copy(ctx, l.keys.View(ctx, l.keys.Stride(2)*l.cursor, key.Dim(0)*key.Dim(1)*seq)))
	ctx.Forward(value.Copy(ctx, l.values.View(ctx, l.values.Stride(2)*l.cursor, value.Dim(0)*value.Dim(1)*seq)))
	l.cursor += seq

	logutil.Trace("self attention cache put", "layer", l.index, "len", l.cursor, "total", totalSeqLen)
	return l.View(ctx, totalSeqLen)
}

// View returns the first n timesteps of the layer without copying
func (l *Layer) View(ctx ml.Context, n int) (ml.Tensor, ml.Tensor, error) {
	if n < 1 || n > l.cursor {
		return nil, nil, fmt.Errorf("layer %d: %w: view of %d with %d entries", l.index, ErrOutOfRange, n, l.cursor)
	}

	key := l.keys.View(ctx, 0,
		l.keys.Dim(0), l.keys.Stride(1),
		l.keys.Dim(1), l.keys.Stride(2),
		n,
	)

	value := l.values.View(ctx, 0,
		l.values.Dim(0), l.values.Stride(1),
		l.values.Dim(1), l.values.Stride(2),
		n,
	)

	return key, value, nil
}
