package cpu

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/jmorganca/whisper/ml"
)

const maxDims = 4

// storage backs one or more tensors. Float types keep their values in f,
// rounded to the precision of the owning tensor's type. I32 uses i.
type storage struct {
	f []float32
	i []int32
}

// Tensor is a strided view over shared storage. ne holds the number of
// elements per dimension and nb the stride of each dimension in elements.
type Tensor struct {
	b    *Backend
	name string

	dtype  ml.DType
	ne     [maxDims]int
	nb     [maxDims]int
	offset int

	data *storage
}

func newTensor(b *Backend, dtype ml.DType, shape []int) *Tensor {
	if len(shape) > maxDims {
		panic(fmt.Errorf("unsupported number of dimensions %d", len(shape)))
	}

	t := &Tensor{b: b, dtype: dtype, ne: [maxDims]int{1, 1, 1, 1}}
	copy(t.ne[:], shape)

	stride := 1
	for i := range t.ne {
		t.nb[i] = stride
		stride *= t.ne[i]
	}

	t.data = &storage{}
	if dtype == ml.DTypeI32 {
		t.data.i = make([]int32, stride)
	} else {
		t.data.f = make([]float32, stride)
	}

	return t
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.name),
		slog.String("type", t.dtype.String()),
		slog.Any("shape", t.Shape()),
	)
}

func (t *Tensor) SetName(name string) {
	t.name = name
}

func (t *Tensor) Dim(n int) int {
	return t.ne[n]
}

func (t *Tensor) Stride(n int) int {
	return t.nb[n] * t.dtype.Size()
}

func (t *Tensor) Shape() []int {
	n := 1
	for i := maxDims - 1; i > 0; i-- {
		if t.ne[i] > 1 {
			n = i + 1
			break
		}
	}

	return append([]int(nil), t.ne[:n]...)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) n() int {
	return t.ne[0] * t.ne[1] * t.ne[2] * t.ne[3]
}

func (t *Tensor) contiguous() bool {
	stride := 1
	for i := range t.ne {
		if t.ne[i] == 1 {
			continue
		}

		if t.nb[i] != stride {
			return false
		}

		stride *= t.ne[i]
	}

	return true
}

func (t *Tensor) get(i int) float32 {
	if t.dtype == ml.DTypeI32 {
		return float32(t.data.i[i])
	}

	return t.data.f[i]
}

// read returns the elements of t in logical order. The result may alias t's
// storage and must not be modified.
func (t *Tensor) read() []float32 {
	if t.dtype != ml.DTypeI32 && t.contiguous() {
		return t.data.f[t.offset : t.offset+t.n()]
	}

	out := make([]float32, 0, t.n())
	for i3 := range t.ne[3] {
		for i2 := range t.ne[2] {
			for i1 := range t.ne[1] {
				base := t.offset + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
				for i0 := range t.ne[0] {
					out = append(out, t.get(base+i0*t.nb[0]))
				}
			}
		}
	}

	return out
}

func (t *Tensor) readInts() []int32 {
	out := make([]int32, 0, t.n())
	for i3 := range t.ne[3] {
		for i2 := range t.ne[2] {
			for i1 := range t.ne[1] {
				base := t.offset + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
				for i0 := range t.ne[0] {
					idx := base + i0*t.nb[0]
					if t.dtype == ml.DTypeI32 {
						out = append(out, t.data.i[idx])
					} else {
						out = append(out, int32(t.data.f[idx]))
					}
				}
			}
		}
	}

	return out
}

// write stores s into t in logical order, rounding to t's type
func (t *Tensor) write(s []float32) {
	if len(s) != t.n() {
		panic(fmt.Errorf("cannot write %d elements into tensor of shape %v", len(s), t.Shape()))
	}

	if t.dtype != ml.DTypeI32 {
		s = append([]float32(nil), s...)
		round(t.dtype, s)
	}

	k := 0
	for i3 := range t.ne[3] {
		for i2 := range t.ne[2] {
			for i1 := range t.ne[1] {
				base := t.offset + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
				for i0 := range t.ne[0] {
					idx := base + i0*t.nb[0]
					if t.dtype == ml.DTypeI32 {
						t.data.i[idx] = int32(s[k])
					} else {
						t.data.f[idx] = s[k]
					}
					k++
				}
			}
		}
	}
}

// round truncates s in place to the precision of dtype
func round(dtype ml.DType, s []float32) {
	switch dtype {
	case ml.DTypeF16:
		for i := range s {
			s[i] = float16.Fromfloat32(s[i]).Float32()
		}
	case ml.DTypeBF16:
		copy(s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s)))
	}
}

func (t *Tensor) Bytes() []byte {
	if t.dtype == ml.DTypeI32 {
		ints := t.readInts()
		data := make([]byte, 0, 4*len(ints))
		for _, v := range ints {
			data = binary.LittleEndian.AppendUint32(data, uint32(v))
		}
		return data
	}

	s := t.read()
	switch t.dtype {
	case ml.DTypeF16:
		data := make([]byte, 0, 2*len(s))
		for _, v := range s {
			data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(v).Bits())
		}
		return data
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(s)
	default:
		data := make([]byte, 0, 4*len(s))
		for _, v := range s {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
		return data
	}
}

func (t *Tensor) Floats() []float32 {
	return append([]float32(nil), t.read()...)
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	out := ctx.(*Context).alloc(t.dtype, t.ne[:])
	if t.dtype == ml.DTypeI32 {
		copy(out.data.i, t.readInts())
	} else {
		copy(out.data.f, t.read())
	}

	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) == 0 || len(shape) > maxDims {
		panic(fmt.Errorf("unsupported number of dimensions %d", len(shape)))
	}

	n := 1
	for _, v := range shape {
		n *= v
	}

	if n != t.n() {
		panic(fmt.Errorf("cannot reshape %v to %v", t.Shape(), shape))
	}

	src := t
	if !t.contiguous() {
		src = t.Contiguous(ctx).(*Tensor)
	}

	out := &Tensor{b: src.b, dtype: src.dtype, offset: src.offset, data: src.data, ne: [maxDims]int{1, 1, 1, 1}}
	copy(out.ne[:], shape)

	stride := 1
	for i := range out.ne {
		out.nb[i] = stride
		stride *= out.ne[i]
	}

	return out
}

// View follows the ggml convention: shape alternates element counts and
// byte strides, i.e. ne0, nb1, ne1, nb2, ne2, nb3, ne3.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	size := t.dtype.Size()
	if offset%size != 0 {
		panic(fmt.Errorf("view offset %d is not aligned to %d", offset, size))
	}

	out := &Tensor{
		b:      t.b,
		dtype:  t.dtype,
		offset: t.offset + offset/size,
		data:   t.data,
		ne:     [maxDims]int{1, 1, 1, 1},
		nb:     t.nb,
	}

	switch len(shape) {
	case 1, 3, 5, 7:
		for i := 0; i < len(shape); i += 2 {
			out.ne[i/2] = shape[i]
			if i > 0 {
				out.nb[i/2] = shape[i-1] / size
			}
		}
	default:
		panic("unsupported number of dimensions")
	}

	// collapsed dimensions continue from the last explicit stride
	for i := len(shape)/2 + 1; i < maxDims; i++ {
		out.nb[i] = out.nb[i-1] * out.ne[i-1]
	}

	last := out.offset
	for i := range out.ne {
		last += (out.ne[i] - 1) * out.nb[i]
	}

	if last >= max(len(t.data.f), len(t.data.i)) {
		panic(fmt.Errorf("view %v at offset %d exceeds storage", shape, offset))
	}

	return out
}

// Permute moves dimension i to position shape[i]
func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	axes := [maxDims]int{0, 1, 2, 3}
	copy(axes[:], shape)

	var seen [maxDims]bool
	out := &Tensor{b: t.b, dtype: t.dtype, offset: t.offset, data: t.data}
	for i, ax := range axes {
		if ax < 0 || ax >= maxDims || seen[ax] {
			panic(fmt.Errorf("invalid permutation %v", shape))
		}

		seen[ax] = true
		out.ne[ax] = t.ne[i]
		out.nb[ax] = t.nb[i]
	}

	return out
}

// Copy writes the elements of t into t2 and returns t2
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if t.dtype == ml.DTypeI32 && dst.dtype == ml.DTypeI32 {
		ints := t.readInts()
		s := make([]float32, len(ints))
		for i, v := range ints {
			s[i] = float32(v)
		}
		dst.write(s)
	} else {
		dst.write(t.read())
	}

	return dst
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := ctx.(*Context).alloc(dtype, t.ne[:])
	if dtype == ml.DTypeI32 {
		copy(out.data.i, t.readInts())
	} else {
		copy(out.data.f, t.read())
		round(dtype, out.data.f)
	}

	return out
}

// Rows gathers the rows of t selected by the I32 indices in t2
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := t2.(*Tensor)
	out := ctx.(*Context).alloc(t.dtype, []int{t.ne[0], ids.ne[0], ids.ne[1], ids.ne[2]})

	src := t.read()
	for i, id := range ids.readInts() {
		if id < 0 || int(id) >= t.ne[1] {
			panic(fmt.Errorf("row %d out of range [0, %d)", id, t.ne[1]))
		}

		copy(out.data.f[i*t.ne[0]:(i+1)*t.ne[0]], src[int(id)*t.ne[0]:(int(id)+1)*t.ne[0]])
	}

	return out
}
