package cpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/jmorganca/whisper/ml"
)

// matrix returns the 2D slice of t at batch index (i2, i3) as a row-major
// [ne1][ne0] matrix. The result may alias t's storage.
func (t *Tensor) matrix(i2, i3 int) []float32 {
	base := t.offset + i2*t.nb[2] + i3*t.nb[3]
	if t.dtype != ml.DTypeI32 && t.nb[0] == 1 && (t.ne[1] == 1 || t.nb[1] == t.ne[0]) {
		return t.data.f[base : base+t.ne[0]*t.ne[1]]
	}

	m := make([]float32, 0, t.ne[0]*t.ne[1])
	for i1 := range t.ne[1] {
		for i0 := range t.ne[0] {
			m = append(m, t.get(base+i1*t.nb[1]+i0*t.nb[0]))
		}
	}

	return m
}

func (t *Tensor) threads() int {
	if t.b == nil {
		return 1
	}

	return t.b.threads
}

// Mulmat computes t2 · tᵀ over the leading dimension. t is [k, m, ...] and t2
// is [k, n, ...]; the result is [m, n, ...] in the type of t2. t is
// broadcast over the batch dimensions of t2.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(ctx, t2.(*Tensor), t2.DType())
}

// MulmatFullPrec is Mulmat with a float32 result
func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(ctx, t2.(*Tensor), ml.DTypeF32)
}

func (t *Tensor) mulmat(ctx ml.Context, b *Tensor, dtype ml.DType) ml.Tensor {
	a := t
	if a.ne[0] != b.ne[0] || b.ne[2]%a.ne[2] != 0 || b.ne[3]%a.ne[3] != 0 {
		panic(fmt.Errorf("cannot multiply %v by %v", a.Shape(), b.Shape()))
	}

	k, m, n := a.ne[0], a.ne[1], b.ne[1]
	r2, r3 := b.ne[2]/a.ne[2], b.ne[3]/a.ne[3]

	out := ctx.(*Context).alloc(dtype, []int{m, n, b.ne[2], b.ne[3]})

	var g errgroup.Group
	g.SetLimit(t.threads())
	for i3 := range b.ne[3] {
		for i2 := range b.ne[2] {
			g.Go(func() error {
				am := a.matrix(i2/r2, i3/r3)
				bm := b.matrix(i2, i3)

				c := out.data.f[(i2+i3*b.ne[2])*m*n:][:m*n]
				blas32.Gemm(blas.NoTrans, blas.Trans, 1,
					blas32.General{Rows: n, Cols: k, Stride: k, Data: bm},
					blas32.General{Rows: m, Cols: k, Stride: k, Data: am},
					0,
					blas32.General{Rows: n, Cols: m, Stride: m, Data: c},
				)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}

	round(out.dtype, out.data.f)
	return out
}

// Conv1D convolves t2 [length, channels, batch] with the kernel t
// [width, channels, filters] using stride s, padding p and dilation d. The
// result is [length', filters, batch] in the type of t2.
func (t *Tensor) Conv1D(ctx ml.Context, t2 ml.Tensor, s, p, d int) ml.Tensor {
	x := t2.(*Tensor)
	kw, cin, cout := t.ne[0], t.ne[1], t.ne[2]
	if x.ne[1] != cin {
		panic(fmt.Errorf("conv1d: kernel %v does not match input %v", t.Shape(), x.Shape()))
	}

	length := x.ne[0]
	outLength := (length+2*p-d*(kw-1)-1)/s + 1
	if outLength <= 0 {
		panic(fmt.Errorf("conv1d: input length %d is too short", length))
	}

	w := t.read()
	xs := x.read()
	out := ctx.(*Context).alloc(x.dtype, []int{outLength, cout, x.ne[2]})

	var g errgroup.Group
	g.SetLimit(t.threads())
	for n := range x.ne[2] {
		g.Go(func() error {
			xn := xs[n*length*cin:][:length*cin]

			// im2col: one row of width*channels taps per output position
			cols := make([]float32, outLength*cin*kw)
			for o := range outLength {
				row := cols[o*cin*kw:][:cin*kw]
				for c := range cin {
					for j := range kw {
						if i := o*s - p + j*d; i >= 0 && i < length {
							row[c*kw+j] = xn[c*length+i]
						}
					}
				}
			}

			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				blas32.General{Rows: cout, Cols: cin * kw, Stride: cin * kw, Data: w},
				blas32.General{Rows: outLength, Cols: cin * kw, Stride: cin * kw, Data: cols},
				0,
				blas32.General{Rows: cout, Cols: outLength, Stride: outLength, Data: out.data.f[n*cout*outLength:][:cout*outLength]},
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}

	round(out.dtype, out.data.f)
	return out
}
