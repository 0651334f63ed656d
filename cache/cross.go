package cache

import (
	"fmt"

	"github.com/jmorganca/whisper/ml"
)

// Pair is the cross-attention key and value of one decoder layer, each
// [head_dim, heads, source_len].
type Pair struct {
	Key, Value ml.Tensor
}

// Cross holds the cross-attention projections of the encoder output for every
// decoder layer. It is filled once on the first decoding step and read by
// every later step of the session.
type Cross struct {
	cacheCtx ml.Context
	pairs    []Pair
}

func NewCross(backend ml.Backend) *Cross {
	return &Cross{cacheCtx: backend.NewContext()}
}

func (c *Cross) Close() {
	c.cacheCtx.Close()
	c.pairs = nil
}

// Append copies p into tensors owned by the cache so it outlives ctx
func (c *Cross) Append(ctx ml.Context, p Pair) {
	key := c.cacheCtx.Zeros(p.Key.DType(), p.Key.Shape()...)
	value := c.cacheCtx.Zeros(p.Value.DType(), p.Value.Shape()...)

	ctx.Forward(p.Key.Copy(ctx, key), p.Value.Copy(ctx, value))
	c.pairs = append(c.pairs, Pair{Key: key, Value: value})
}

// Layer returns the pair of decoder layer i
func (c *Cross) Layer(i int) (Pair, error) {
	if i < 0 || i >= len(c.pairs) {
		return Pair{}, fmt.Errorf("cross attention layer %d: %w: %d layers cached", i, ErrOutOfRange, len(c.pairs))
	}

	return c.pairs[i], nil
}

func (c *Cross) Len() int {
	return len(c.pairs)
}
