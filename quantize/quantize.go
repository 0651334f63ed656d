// Package quantize prepares model parameters for reduced precision
// execution. Every strategy walks the named parameters of a model, stores
// them in the strategy's compute dtype, and reports how each parameter maps to
// its quantized storage.
package quantize

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/model"
)

var ErrUnknownPreset = errors.New("unknown quantization preset")

// Quantization converts the parameters of a model in place
type Quantization interface {
	// Name is the preset name, e.g. q4f16_1
	Name() string
	// Kind is the strategy: no-quant, group-quant or awq
	Kind() string
	// ModelDType is the dtype the model computes in after quantization
	ModelDType() ml.DType
	// Quantize replaces every parameter of m, a pointer to a model, with its
	// quantized form allocated in ctx. ctx must outlive the model.
	Quantize(ctx ml.Context, m any) (Mapping, error)
}

// Mapping records, for every source parameter, the names of the tensors it is
// stored as once quantized
type Mapping map[string][]string

// Names returns the sorted source parameter names of the mapping
func (m Mapping) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

type NoQuantize struct {
	name  string
	dtype ml.DType
}

func (q NoQuantize) Name() string         { return q.name }
func (q NoQuantize) Kind() string         { return "no-quant" }
func (q NoQuantize) ModelDType() ml.DType { return q.dtype }

// Quantize casts every parameter to the model dtype
func (q NoQuantize) Quantize(ctx ml.Context, m any) (Mapping, error) {
	mapping := make(Mapping)
	for _, p := range model.Parameters(m) {
		p.Set(p.Tensor.Cast(ctx, q.dtype))
		mapping[p.Name] = []string{p.Name}
	}

	slog.Debug("quantized", "preset", q.name, "parameters", len(mapping))
	return mapping, nil
}

// GroupQuantize quantizes the weights of linear and embedding layers in
// groups of GroupSize consecutive input elements that share one scale.
// Other parameters, such as norms and biases, are cast to the model dtype.
type GroupQuantize struct {
	name string

	Bits      int
	GroupSize int
	dtype     ml.DType
	// LinearWeightLayout is KN when weights are stored transposed and NK
	// otherwise. KN groups run along the outer dimension.
	LinearWeightLayout string
}

func (q GroupQuantize) Name() string         { return q.name }
func (q GroupQuantize) Kind() string         { return "group-quant" }
func (q GroupQuantize) ModelDType() ml.DType { return q.dtype }

func (q GroupQuantize) axis() int {
	if q.LinearWeightLayout == "KN" {
		return 1
	}
	return 0
}

func (q GroupQuantize) Quantize(ctx ml.Context, m any) (Mapping, error) {
	return quantizeGroups(ctx, m, q.name, q.Bits, q.GroupSize, q.axis(), q.dtype, true, func(name string) []string {
		return []string{name + ".q_weight", name + ".q_scale"}
	})
}

// AWQQuantize stores weights as asymmetric groups with a scale and a zero
// point, the layout produced by activation-aware weight quantization
type AWQQuantize struct {
	name string

	Bits      int
	GroupSize int
	dtype     ml.DType
}

func (q AWQQuantize) Name() string         { return q.name }
func (q AWQQuantize) Kind() string         { return "awq" }
func (q AWQQuantize) ModelDType() ml.DType { return q.dtype }

func (q AWQQuantize) Quantize(ctx ml.Context, m any) (Mapping, error) {
	return quantizeGroups(ctx, m, q.name, q.Bits, q.GroupSize, 0, q.dtype, false, func(name string) []string {
		prefix := strings.TrimSuffix(name, ".weight")
		return []string{prefix + ".qweight", prefix + ".qzeros", prefix + ".scales"}
	})
}

// quantizable reports whether p is the weight matrix of a linear or
// embedding layer whose axis splits into whole groups
func quantizable(p model.Parameter, groupSize, axis int) bool {
	shape := p.Tensor.Shape()
	return strings.HasSuffix(p.Name, ".weight") &&
		len(shape) == 2 &&
		!strings.Contains(p.Name, "norm") &&
		shape[axis]%groupSize == 0
}

// forEachGroup calls fn with every run of groupSize elements along axis of a
// 2D tensor with the given shape. Groups along axis 1 are gathered into a
// scratch slice and written back after fn returns.
func forEachGroup(values []float32, shape []int, groupSize, axis int, fn func([]float32)) {
	if axis == 0 {
		for g := 0; g < len(values); g += groupSize {
			fn(values[g : g+groupSize])
		}
		return
	}

	group := make([]float32, groupSize)
	for i := range shape[0] {
		for j := 0; j < shape[1]; j += groupSize {
			for k := range group {
				group[k] = values[(j+k)*shape[0]+i]
			}

			fn(group)

			for k, v := range group {
				values[(j+k)*shape[0]+i] = v
			}
		}
	}
}

func quantizeGroups(ctx ml.Context, m any, name string, bits, groupSize, axis int, dtype ml.DType, symmetric bool, storage func(string) []string) (Mapping, error) {
	mapping := make(Mapping)

	var quantized int
	for _, p := range model.Parameters(m) {
		if !quantizable(p, groupSize, axis) {
			p.Set(p.Tensor.Cast(ctx, dtype))
			mapping[p.Name] = []string{p.Name}
			continue
		}

		values := p.Tensor.Floats()
		forEachGroup(values, p.Tensor.Shape(), groupSize, axis, func(group []float32) {
			if symmetric {
				roundSymmetric(group, bits)
			} else {
				roundAsymmetric(group, bits)
			}
		})

		t, err := ctx.FromFloatSlice(values, p.Tensor.Shape()...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}

		p.Set(t.Cast(ctx, dtype))
		mapping[p.Name] = storage(p.Name)
		quantized++
		logutil.Trace("quantized parameter", "name", p.Name, "groups", len(values)/groupSize)
	}

	slog.Debug("quantized", "preset", name, "parameters", len(mapping), "quantized", quantized)
	return mapping, nil
}

// roundSymmetric replaces every value of group with its nearest level among
// 2^bits - 1 levels centered on zero
func roundSymmetric(group []float32, bits int) {
	maxInt := float64(int(1)<<(bits-1) - 1)

	var maxAbs float64
	for _, v := range group {
		maxAbs = max(maxAbs, math.Abs(float64(v)))
	}

	if maxAbs == 0 {
		return
	}

	scale := maxAbs / maxInt
	for i, v := range group {
		q := math.Round(float64(v)/scale) + maxInt
		q = min(max(q, 0), 2*maxInt)
		group[i] = float32((q - maxInt) * scale)
	}
}

// roundAsymmetric replaces every value of group with its nearest level among
// 2^bits levels spanning the group's range
func roundAsymmetric(group []float32, bits int) {
	maxInt := float64(int(1)<<bits - 1)

	lo, hi := float64(slices.Min(group)), float64(slices.Max(group))
	if hi == lo {
		return
	}

	scale := (hi - lo) / maxInt
	zero := math.Round(-lo / scale)
	for i, v := range group {
		q := math.Round(float64(v)/scale) + zero
		q = min(max(q, 0), maxInt)
		group[i] = float32((q - zero) * scale)
	}
}
