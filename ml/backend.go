package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/jmorganca/whisper/fs"
)

var ErrUnsupportedBackend = errors.New("unsupported backend")

type Backend interface {
	Config() fs.Config
	Get(name string) Tensor
	NewContext() Context
	Close()
}

// BackendParams controls how a backend loads and runs a model
type BackendParams struct {
	// NumThreads bounds the parallelism of a single operation. Zero means GOMAXPROCS.
	NumThreads int
}

var backends = make(map[string]func(*fs.Model, BackendParams) (Backend, error))

func RegisterBackend(name string, f func(*fs.Model, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(m *fs.Model, params BackendParams) (Backend, error) {
	if backend, ok := backends["cpu"]; ok {
		return backend(m, params)
	}

	return nil, ErrUnsupportedBackend
}

// Context allocates tensors and schedules operations. Tensors created from a
// context are valid until it is closed.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	// Forward marks tensors as outputs of the graph being built
	Forward(...Tensor) Context
	// Compute evaluates the graph so the given tensors can be read
	Compute(...Tensor)
	Close()
}

// Tensor is an n-dimensional array with dimension 0 innermost. Strides and
// view offsets are in bytes.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor
	MulmatFullPrec(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor
	Clamp(ctx Context, min, max float32) Tensor
	Cast(ctx Context, dtype DType) Tensor

	Conv1D(ctx Context, t2 Tensor, s, p, d int) Tensor
	GELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor

	Rows(ctx Context, t2 Tensor) Tensor
	Copy(ctx Context, t2 Tensor) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float types.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	s := t.Floats()
	if s == nil {
		return "<nil>"
	}

	precision := opts[0].Precision
	if t.DType() == DTypeI32 {
		precision = 0
	}

	// dimensions are printed outermost first
	shape := t.Shape()
	dims := make([]int, len(shape))
	for i := range shape {
		dims[i] = shape[len(shape)-1-i]
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts[0].Items && i < dims[0]-opts[0].Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts[0].Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, fmt.Sprintf("%.*f", precision, s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(dims, 0)

	return sb.String()
}

type dumpValue struct {
	t    Tensor
	opts []DumpOptions
}

func (d dumpValue) LogValue() slog.Value {
	return slog.StringValue(Dump(d.t, d.opts...))
}

// DumpValue formats t with [Dump] only when the log record is written
func DumpValue(t Tensor, opts ...DumpOptions) slog.LogValuer {
	return dumpValue{t: t, opts: opts}
}

type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "float32"
	case DTypeF16:
		return "float16"
	case DTypeBF16:
		return "bfloat16"
	case DTypeI32:
		return "int32"
	default:
		return "other"
	}
}

// Size is the number of bytes one element occupies
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

// Range is the finite range representable by a float type.
func (d DType) Range() (float32, float32) {
	switch d {
	case DTypeF16:
		return -65504, 65504
	case DTypeBF16:
		return -3.3895314e38, 3.3895314e38
	default:
		return -math.MaxFloat32, math.MaxFloat32
	}
}

// ParseDType accepts the dtype names used in model configurations and
// quantization presets.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "fp32":
		return DTypeF32, nil
	case "float16", "f16", "fp16", "half":
		return DTypeF16, nil
	case "bfloat16", "bf16":
		return DTypeBF16, nil
	case "int32", "i32":
		return DTypeI32, nil
	default:
		return DTypeOther, fmt.Errorf("unknown dtype %q", s)
	}
}
