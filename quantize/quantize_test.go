package quantize

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/backend/cpu"
	"github.com/jmorganca/whisper/ml/nn"
)

type testModel struct {
	Up   *nn.Linear    `gguf:"ffn_up"`
	Norm *nn.LayerNorm `gguf:"ffn_norm"`
}

func setup(t *testing.T) (ml.Context, *testModel) {
	t.Helper()

	b, err := cpu.New(&fs.Model{KV: fs.KV{}}, ml.BackendParams{NumThreads: 1})
	require.NoError(t, err)

	ctx := b.NewContext()
	t.Cleanup(ctx.Close)

	tensor := func(s []float32, shape ...int) ml.Tensor {
		tt, err := ctx.FromFloatSlice(s, shape...)
		require.NoError(t, err)
		return tt
	}

	weight := make([]float32, 32*2)
	for i := range weight {
		weight[i] = float32(i%32-16) / 10
	}

	return ctx, &testModel{
		Up:   &nn.Linear{Weight: tensor(weight, 32, 2), Bias: tensor([]float32{1.0 / 3, 2}, 2)},
		Norm: &nn.LayerNorm{Weight: tensor([]float32{1, 1}, 2), Bias: tensor([]float32{0, 0}, 2)},
	}
}

func TestParse(t *testing.T) {
	for _, name := range Presets() {
		q, err := Parse(name)
		require.NoError(t, err)
		require.Equal(t, name, q.Name())
	}

	q, err := Parse("q4f16_awq")
	require.NoError(t, err)
	require.Equal(t, "awq", q.Kind())
	require.Equal(t, ml.DTypeF16, q.ModelDType())

	_, err = Parse("q5f16_9")
	if !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestNoQuantize(t *testing.T) {
	ctx, m := setup(t)

	q, err := Parse("q0f16")
	require.NoError(t, err)

	mapping, err := q.Quantize(ctx, m)
	require.NoError(t, err)

	require.Equal(t, []string{"ffn_norm.bias", "ffn_norm.weight", "ffn_up.bias", "ffn_up.weight"}, mapping.Names())
	require.Equal(t, ml.DTypeF16, m.Up.Weight.DType())
	require.Equal(t, ml.DTypeF16, m.Norm.Bias.DType())

	if diff := cmp.Diff([]float32{0.33325195, 2}, m.Up.Bias.Floats()); diff != "" {
		t.Errorf("bias mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupQuantize(t *testing.T) {
	ctx, m := setup(t)
	before := m.Up.Weight.Floats()

	q, err := Parse("q4f32_1")
	require.NoError(t, err)

	mapping, err := q.Quantize(ctx, m)
	require.NoError(t, err)

	require.Equal(t, []string{"ffn_up.weight.q_weight", "ffn_up.weight.q_scale"}, mapping["ffn_up.weight"])
	require.Equal(t, []string{"ffn_norm.weight"}, mapping["ffn_norm.weight"])
	require.Equal(t, []int{32, 2}, m.Up.Weight.Shape())

	// 15 levels over [-1.6, 1.6] are spaced 1.6/7 apart
	after := m.Up.Weight.Floats()
	if diff := cmp.Diff(before, after, cmpopts.EquateApprox(0, 1.6/14+1e-6)); diff != "" {
		t.Errorf("quantization error too large (-before +after):\n%s", diff)
	}

	levels := make(map[float32]bool)
	for _, v := range after {
		levels[v] = true
	}

	require.LessOrEqual(t, len(levels), 15)
}

func TestLinearWeightLayout(t *testing.T) {
	values := []float32{0, 1, 2, 3, 4, 5, 6, 7}

	var nk [][]float32
	forEachGroup(values, []int{4, 2}, 2, 0, func(g []float32) { nk = append(nk, slices.Clone(g)) })
	require.Equal(t, [][]float32{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, nk)

	var kn [][]float32
	forEachGroup(values, []int{2, 4}, 2, 1, func(g []float32) {
		kn = append(kn, slices.Clone(g))
		g[0], g[1] = -g[0], -g[1]
	})
	require.Equal(t, [][]float32{{0, 2}, {4, 6}, {1, 3}, {5, 7}}, kn)
	require.Equal(t, []float32{0, -1, -2, -3, -4, -5, -6, -7}, values)

	// ffn_up is [32, 2]: 32 splits into groups of 32 but 2 does not
	ctx, m := setup(t)
	before := m.Up.Weight.Floats()

	q, err := Parse("q4f32_0")
	require.NoError(t, err)

	mapping, err := q.Quantize(ctx, m)
	require.NoError(t, err)
	require.Equal(t, []string{"ffn_up.weight"}, mapping["ffn_up.weight"])
	require.Equal(t, before, m.Up.Weight.Floats())
}

func TestAWQQuantize(t *testing.T) {
	ctx, m := setup(t)

	q, err := Parse("q4f16_awq")
	require.NoError(t, err)

	// 32 input elements do not fill a group of 128
	mapping, err := q.Quantize(ctx, m)
	require.NoError(t, err)
	require.Equal(t, []string{"ffn_up.weight"}, mapping["ffn_up.weight"])
	require.Equal(t, ml.DTypeF16, m.Up.Weight.DType())

	group := []float32{-1, 0, 0.5, 2}
	roundAsymmetric(group, 4)
	if diff := cmp.Diff([]float32{-1, 0, 0.5, 2}, group, cmpopts.EquateApprox(0, 0.11)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
