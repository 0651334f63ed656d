package cpu

import (
	"fmt"
	"math"

	"github.com/jmorganca/whisper/ml"
)

// broadcast applies fn elementwise to t and t2, repeating t2 along any
// dimension it divides.
func (t *Tensor) broadcast(ctx ml.Context, t2 ml.Tensor, fn func(a, b float32) float32) ml.Tensor {
	b := t2.(*Tensor)
	for i := range t.ne {
		if b.ne[i] == 0 || t.ne[i]%b.ne[i] != 0 {
			panic(fmt.Errorf("cannot broadcast %v to %v", b.Shape(), t.Shape()))
		}
	}

	out := ctx.(*Context).alloc(t.dtype, t.ne[:])
	a := t.read()

	k := 0
	for i3 := range t.ne[3] {
		for i2 := range t.ne[2] {
			for i1 := range t.ne[1] {
				base := b.offset + (i1%b.ne[1])*b.nb[1] + (i2%b.ne[2])*b.nb[2] + (i3%b.ne[3])*b.nb[3]
				for i0 := range t.ne[0] {
					out.data.f[k] = fn(a[k], b.get(base+(i0%b.ne[0])*b.nb[0]))
					k++
				}
			}
		}
	}

	round(out.dtype, out.data.f)
	return out
}

// unary applies fn to every element of t
func (t *Tensor) unary(ctx ml.Context, fn func(float32) float32) ml.Tensor {
	out := ctx.(*Context).alloc(t.dtype, t.ne[:])
	for i, v := range t.read() {
		out.data.f[i] = fn(v)
	}

	round(out.dtype, out.data.f)
	return out
}

// rows applies fn to each row of dimension 0 of t
func (t *Tensor) rows(ctx ml.Context, fn func(dst, src []float32)) ml.Tensor {
	out := ctx.(*Context).alloc(t.dtype, t.ne[:])
	src := t.read()
	for i := 0; i < len(src); i += t.ne[0] {
		fn(out.data.f[i:i+t.ne[0]], src[i:i+t.ne[0]])
	}

	round(out.dtype, out.data.f)
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast(ctx, t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast(ctx, t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(ctx, func(v float32) float32 { return float32(float64(v) * s) })
}

func (t *Tensor) Clamp(ctx ml.Context, lo, hi float32) ml.Tensor {
	return t.unary(ctx, func(v float32) float32 { return min(max(v, lo), hi) })
}

// GELU uses the exact erf formulation
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	})
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.rows(ctx, func(dst, src []float32) {
		m := float32(math.Inf(-1))
		for _, v := range src {
			m = max(m, v)
		}

		var sum float64
		for i, v := range src {
			e := math.Exp(float64(v - m))
			dst[i] = float32(e)
			sum += e
		}

		for i := range dst {
			dst[i] = float32(float64(dst[i]) / sum)
		}
	})
}

func (t *Tensor) LayerNorm(ctx ml.Context, w, b ml.Tensor, eps float32) ml.Tensor {
	out := t.rows(ctx, func(dst, src []float32) {
		var mean float64
		for _, v := range src {
			mean += float64(v)
		}
		mean /= float64(len(src))

		var variance float64
		for _, v := range src {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(src))

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range src {
			dst[i] = float32((float64(v) - mean) * inv)
		}
	})

	if w != nil {
		out = out.Mul(ctx, w)
	}

	if b != nil {
		out = out.Add(ctx, b)
	}

	return out
}
