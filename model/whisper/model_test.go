package whisper

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/whisper/cache"
	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/nn"
	"github.com/jmorganca/whisper/model"
)

const (
	testDModel = 8
	testHeads  = 2
	testLayers = 2
	testVocab  = 16
)

func testKV(maxSource uint32) fs.KV {
	return fs.KV{
		"general.architecture":            "whisper",
		"whisper.vocab_size":              uint32(testVocab),
		"whisper.num_mel_bins":            uint32(4),
		"whisper.encoder_layers":          uint32(testLayers),
		"whisper.encoder_attention_heads": uint32(testHeads),
		"whisper.encoder_ffn_dim":         uint32(16),
		"whisper.decoder_layers":          uint32(testLayers),
		"whisper.decoder_attention_heads": uint32(testHeads),
		"whisper.decoder_ffn_dim":         uint32(16),
		"whisper.d_model":                 uint32(testDModel),
		"whisper.max_source_positions":    uint32(maxSource),
		"whisper.max_target_positions":    uint32(8),
		"whisper.pad_token_id":            uint32(15),
		"whisper.eos_token_id":            uint32(15),
		"whisper.decoder_start_token_id":  uint32(14),
	}
}

// newTestModel builds a whisper model with small deterministic weights
func newTestModel(t *testing.T, kv fs.KV) *Model {
	t.Helper()

	config, err := NewConfig(kv)
	require.NoError(t, err)

	var tensors []fs.Tensor
	for i, name := range config.ParameterNames() {
		shape := config.ParameterShapes()[name]

		dims := make([]uint64, len(shape))
		for j, d := range shape {
			dims[j] = uint64(d)
		}

		data := make([]float32, fs.Elements(dims))
		for j := range data {
			data[j] = float32(math.Sin(float64(i*131+j))) / 4
		}

		tensor, err := fs.NewTensor(name, dims, data)
		require.NoError(t, err)
		tensors = append(tensors, tensor)
	}

	m, err := model.Load(&fs.Model{KV: kv, Tensors: tensors}, ml.BackendParams{NumThreads: 2})
	require.NoError(t, err)
	t.Cleanup(m.Backend().Close)

	return m.(*Model)
}

func features(t *testing.T, ctx ml.Context, c *Config) ml.Tensor {
	t.Helper()

	data := make([]float32, c.FrameCount()*c.NumMelBins)
	for i := range data {
		data[i] = float32(math.Cos(float64(i))) / 2
	}

	tt, err := ctx.FromFloatSlice(data, c.FrameCount(), c.NumMelBins)
	require.NoError(t, err)
	return tt
}

func ids(t *testing.T, ctx ml.Context, s ...int32) ml.Tensor {
	t.Helper()
	tt, err := ctx.FromIntSlice(s, len(s))
	require.NoError(t, err)
	return tt
}

func TestNewConfig(t *testing.T) {
	c, err := NewConfig(testKV(6))
	require.NoError(t, err)
	require.Equal(t, 8, c.ContextWindowSize)
	require.Equal(t, 8, c.PrefillChunkSize)
	require.Equal(t, 1, c.TensorParallelShards)
	require.Equal(t, 4, c.DecoderHeadDim())
	require.Equal(t, 12, c.FrameCount())
	require.Equal(t, int32(14), c.DecoderStartTokenID)

	t.Run("fallback", func(t *testing.T) {
		kv := testKV(6)
		kv["whisper.n_positions"] = uint32(5)
		kv["whisper.prefill_chunk_size"] = uint32(2)
		c, err := NewConfig(kv)
		require.NoError(t, err)
		require.Equal(t, 5, c.ContextWindowSize)
		require.Equal(t, 2, c.PrefillChunkSize)
	})

	t.Run("forced", func(t *testing.T) {
		kv := testKV(6)
		kv["whisper.forced_decoder_ids"] = []int32{1, 10, 2, 11}
		c, err := NewConfig(kv)
		require.NoError(t, err)
		require.Equal(t, map[int]int32{1: 10, 2: 11}, c.ForcedDecoderIDs)

		kv["whisper.forced_decoder_ids"] = []int32{1}
		_, err = NewConfig(kv)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	cases := map[string]func(fs.KV){
		"decoder heads": func(kv fs.KV) { kv["whisper.decoder_attention_heads"] = uint32(3) },
		"encoder heads": func(kv fs.KV) { kv["whisper.encoder_attention_heads"] = uint32(5) },
		"missing":       func(kv fs.KV) { delete(kv, "whisper.d_model") },
		"no window":     func(kv fs.KV) { delete(kv, "whisper.max_target_positions") },
	}

	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			kv := testKV(6)
			fn(kv)
			_, err := NewConfig(kv)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestEncode(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	first, err := m.Encode(ctx, features(t, ctx, m.Config()))
	require.NoError(t, err)
	require.Equal(t, []int{testDModel, 6}, first.Shape())
	require.Equal(t, ml.DTypeF32, first.DType())

	second, err := m.Encode(ctx, features(t, ctx, m.Config()))
	require.NoError(t, err)

	if diff := cmp.Diff(first.Floats(), second.Floats()); diff != "" {
		t.Errorf("encode is not deterministic (-first +second):\n%s", diff)
	}

	short, err := ctx.FromFloatSlice(make([]float32, 10*4), 10, 4)
	require.NoError(t, err)

	_, err = m.Encode(ctx, short)
	require.ErrorIs(t, err, ErrInputShape)
}

func TestEncoderLayerClamp(t *testing.T) {
	m := newTestModel(t, testKV(2))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	f16 := func(s ...float32) ml.Tensor {
		tt, err := ctx.FromFloatSlice(s, len(s))
		require.NoError(t, err)
		return tt.Cast(ctx, ml.DTypeF16)
	}

	zeros := func() *nn.Linear {
		return &nn.Linear{Weight: ctx.Zeros(ml.DTypeF16, 2, 2)}
	}

	attention := newAttention(SelfAttention, 2, 1)
	attention.Query, attention.Key, attention.Value, attention.Output = zeros(), zeros(), zeros(), zeros()

	// the residual sum of 90000 is past the float16 range
	layer := EncoderLayer{
		AttentionNorm: &nn.LayerNorm{Weight: f16(1, 1), Bias: f16(0, 0)},
		SelfAttention: attention,
		MLPNorm:       &nn.LayerNorm{Weight: f16(1, 1), Bias: f16(0, 0)},
		Up:            zeros(),
		Down:          &nn.Linear{Weight: ctx.Zeros(ml.DTypeF16, 2, 2), Bias: f16(60000, -60000)},
	}

	hiddenStates, err := ctx.FromFloatSlice([]float32{30000, -30000}, 2, 1)
	require.NoError(t, err)

	out, err := layer.Forward(ctx, hiddenStates.Cast(ctx, ml.DTypeF16))
	require.NoError(t, err)
	require.Equal(t, ml.DTypeF16, out.DType())

	lo, hi := ml.DTypeF16.Range()
	require.Equal(t, []float32{hi, lo}, out.Floats())
}

func TestDecodeSeedsCrossCache(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	states, err := m.Encode(ctx, features(t, ctx, m.Config()))
	require.NoError(t, err)

	selfCache := m.NewCache(ml.DTypeF32)
	defer selfCache.Close()

	logits, crossCache, err := m.Decode(ctx, selfCache, ids(t, ctx, 14), 1, states)
	require.NoError(t, err)
	defer crossCache.Close()

	require.Equal(t, []int{testVocab}, logits.Shape())
	require.Equal(t, ml.DTypeF32, logits.DType())
	require.Equal(t, testLayers, crossCache.Len())

	for i := range crossCache.Len() {
		p, err := crossCache.Layer(i)
		require.NoError(t, err)
		require.Equal(t, []int{testDModel / testHeads, testHeads, 6}, p.Key.Shape())
		require.Equal(t, []int{testDModel / testHeads, testHeads, 6}, p.Value.Shape())
	}

	_, _, err = m.Decode(ctx, selfCache, ids(t, ctx, 1, 2), 3, states)
	require.ErrorIs(t, err, ErrInputShape)
}

func TestSelfCacheGrowth(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	states, err := m.Encode(ctx, features(t, ctx, m.Config()))
	require.NoError(t, err)

	selfCache := m.NewCache(ml.DTypeF32)
	defer selfCache.Close()

	_, crossCache, err := m.Decode(ctx, selfCache, ids(t, ctx, 14), 1, states)
	require.NoError(t, err)
	defer crossCache.Close()

	const steps = 5
	for n := 2; n <= steps; n++ {
		logits, err := m.Prefill(ctx, selfCache, ids(t, ctx, int32(n)), n, crossCache)
		require.NoError(t, err)
		require.Equal(t, []int{testVocab}, logits.Shape())
	}

	for i := range testLayers {
		layer := selfCache.Sub(i)
		require.Equal(t, steps, layer.Len())

		all, _, err := layer.View(ctx, steps)
		require.NoError(t, err)

		for k := 1; k <= steps; k++ {
			prefix, _, err := layer.View(ctx, k)
			require.NoError(t, err)

			want := all.Floats()[:k*testDModel]
			if diff := cmp.Diff(want, prefix.Floats()); diff != "" {
				t.Errorf("layer %d view(%d) mismatch (-want +got):\n%s", i, k, diff)
			}
		}
	}

	// the arena holds max_target_positions entries
	for n := steps + 1; n <= m.Config().MaxTargetPositions; n++ {
		_, err := m.Prefill(ctx, selfCache, ids(t, ctx, 1), n, crossCache)
		require.NoError(t, err)
	}

	_, err = m.Prefill(ctx, selfCache, ids(t, ctx, 1), m.Config().MaxTargetPositions+1, crossCache)
	require.Error(t, err)
}

// TestWarmMatchesCold checks that reusing the cross cache gives the same
// logits as projecting the encoder states again
func TestWarmMatchesCold(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	states, err := m.Encode(ctx, features(t, ctx, m.Config()))
	require.NoError(t, err)

	warm := m.NewCache(ml.DTypeF32)
	defer warm.Close()

	_, crossCache, err := m.Decode(ctx, warm, ids(t, ctx, 14), 1, states)
	require.NoError(t, err)
	defer crossCache.Close()

	prefill, err := m.Prefill(ctx, warm, ids(t, ctx, 3), 2, crossCache)
	require.NoError(t, err)

	cold := m.NewCache(ml.DTypeF32)
	defer cold.Close()

	_, first, err := m.Decode(ctx, cold, ids(t, ctx, 14), 1, states)
	require.NoError(t, err)
	defer first.Close()

	decode, second, err := m.Decode(ctx, cold, ids(t, ctx, 3), 2, states)
	require.NoError(t, err)
	defer second.Close()

	if diff := cmp.Diff(decode.Floats(), prefill.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("warm and cold logits differ (-cold +warm):\n%s", diff)
	}
}

func TestForwardLastPosition(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	states, err := m.Encode(ctx, features(t, ctx, m.Config()))
	require.NoError(t, err)

	var logits [2]ml.Tensor
	for i := range logits {
		selfCache := m.NewCache(ml.DTypeF32)
		defer selfCache.Close()

		_, crossCache, err := m.Decode(ctx, selfCache, ids(t, ctx, 14), 1, states)
		require.NoError(t, err)
		defer crossCache.Close()

		if i == 0 {
			logits[i], err = m.Prefill(ctx, selfCache, ids(t, ctx, 7), 2, crossCache)
		} else {
			logits[i], err = m.Forward(ctx, selfCache, ids(t, ctx, 7), 2, crossCache)
		}
		require.NoError(t, err)
	}

	if diff := cmp.Diff(logits[0].Floats(), logits[1].Floats()); diff != "" {
		t.Errorf("forward mismatch (-prefill +forward):\n%s", diff)
	}
}

func TestPrefillCrossCacheTooShort(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	selfCache := m.NewCache(ml.DTypeF32)
	defer selfCache.Close()

	crossCache := cache.NewCross(m.Backend())
	defer crossCache.Close()

	_, err := m.Prefill(ctx, selfCache, ids(t, ctx, 1), 1, crossCache)
	if !errors.Is(err, cache.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestSoftmaxWithTemperature(t *testing.T) {
	m := newTestModel(t, testKV(6))
	ctx := m.Backend().NewContext()
	defer ctx.Close()

	logits, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	var sum float64
	want := make([]float32, 4)
	for i := range want {
		sum += math.Exp(float64(i + 1))
	}
	for i := range want {
		want[i] = float32(math.Exp(float64(i+1)) / sum)
	}

	if diff := cmp.Diff(want, m.SoftmaxWithTemperature(ctx, logits, 1).Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("temperature 1 mismatch (-want +got):\n%s", diff)
	}

	uniform := []float32{0.25, 0.25, 0.25, 0.25}
	if diff := cmp.Diff(uniform, m.SoftmaxWithTemperature(ctx, logits, 1e6).Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("high temperature is not uniform (-want +got):\n%s", diff)
	}
}

func TestParameters(t *testing.T) {
	m := newTestModel(t, testKV(6))
	shapes := m.Config().ParameterShapes()

	seen := make(map[string]bool)
	for _, p := range model.Parameters(m) {
		seen[p.Name] = true
		if p.Name == "output.weight" {
			require.Equal(t, shapes["dec.token_embd.weight"], p.Tensor.Shape())
			continue
		}

		want, ok := shapes[p.Name]
		require.True(t, ok, "unexpected parameter %s", p.Name)
		require.Equal(t, want, p.Tensor.Shape(), p.Name)
	}

	for name := range shapes {
		require.True(t, seen[name], "parameter %s is not bound", name)
	}

	require.Nil(t, m.Encoder.Layers[0].SelfAttention.Key.Bias)
	require.Equal(t, CrossAttention, m.Decoder.Layers[1].CrossAttention.Mode())
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full size encoder input")
	}

	kv := testKV(1500)
	kv["whisper.num_mel_bins"] = uint32(80)
	m := newTestModel(t, kv)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	input := features(t, ctx, m.Config())
	require.Equal(t, []int{3000, 80}, input.Shape())

	states, err := m.Encode(ctx, input)
	require.NoError(t, err)
	require.Equal(t, []int{testDModel, 1500}, states.Shape())

	selfCache := m.NewCache(ml.DTypeF16)
	defer selfCache.Close()

	logits, crossCache, err := m.Decode(ctx, selfCache, ids(t, ctx, m.Config().PadTokenID), 1, states)
	require.NoError(t, err)
	defer crossCache.Close()

	require.Equal(t, []int{testVocab}, logits.Shape())
	require.Equal(t, testLayers, crossCache.Len())

	for _, v := range logits.Floats() {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}
