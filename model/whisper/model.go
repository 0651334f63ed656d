package whisper

import (
	"fmt"
	"log/slog"

	"github.com/jmorganca/whisper/cache"
	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/nn"
	"github.com/jmorganca/whisper/model"
)

// Model is a whisper encoder-decoder speech transcription model.
//
// A transcription session calls Encode once, Decode once to seed the cross
// attention cache of every decoder layer, and then Prefill (or Forward) for
// every following token, always passing the cross cache returned by Decode
// and a total sequence length that matches the self attention cache.
type Model struct {
	model.Base
	model.BytePairEncoding

	Encoder *Encoder   `gguf:"enc"`
	Decoder *Decoder   `gguf:"dec"`
	Output  *nn.Linear `gguf:"output,alt:dec.token_embd"`

	config *Config
}

func New(c fs.Config) (model.Model, error) {
	config, err := NewConfig(c)
	if err != nil {
		return nil, err
	}

	vocab := &model.Vocabulary{
		Values: c.Strings("tokenizer.ggml.tokens"),
		Types:  c.Ints("tokenizer.ggml.token_type"),
		Merges: c.Strings("tokenizer.ggml.merges"),
		BOS:    []int32{config.DecoderStartTokenID},
		EOS:    []int32{config.EOSTokenID},
	}

	var pretokenizers []string
	if pretokenizer := c.String("tokenizer.ggml.pretokenizer"); pretokenizer != "" {
		pretokenizers = append(pretokenizers, pretokenizer)
	}

	return &Model{
		BytePairEncoding: model.NewBytePairEncoding(vocab, pretokenizers...),
		Encoder:          newEncoder(config),
		Decoder:          newDecoder(config),
		config:           config,
	}, nil
}

func (m *Model) Config() *Config {
	return m.config
}

// NewCache creates the self attention cache of one session, one arena of
// max_target_positions timesteps per decoder layer
func (m *Model) NewCache(dtype ml.DType) *cache.Causal {
	return cache.NewCausal(m.Backend(), dtype, m.config.MaxTargetPositions)
}

// Encode runs the encoder over mel features, [frames, num_mel_bins], and
// returns float32 hidden states, [d_model, max_source_positions]
func (m *Model) Encode(ctx ml.Context, features ml.Tensor) (ml.Tensor, error) {
	hiddenStates, err := m.Encoder.Forward(ctx, features)
	if err != nil {
		return nil, err
	}

	return hiddenStates.Cast(ctx, ml.DTypeF32), nil
}

// Decode is the first decoding step of a session. It runs a single token
// against the encoder output and returns its logits, [vocab_size], together
// with the cross attention cache every later step must be given. The cache
// belongs to the caller.
func (m *Model) Decode(ctx ml.Context, selfCache *cache.Causal, inputIDs ml.Tensor, totalSeqLen int, encoderStates ml.Tensor) (ml.Tensor, *cache.Cross, error) {
	if inputIDs.Dim(0) != 1 || inputIDs.Dim(1) != 1 {
		return nil, nil, fmt.Errorf("%w: decode takes a single token, got %v", ErrInputShape, inputIDs.Shape())
	}

	hiddenStates, pairs, err := m.Decoder.Forward(ctx, inputIDs, totalSeqLen, selfCache, encoderStates, nil)
	if err != nil {
		return nil, nil, err
	}

	crossCache := cache.NewCross(m.Backend())
	for _, p := range pairs {
		crossCache.Append(ctx, p)
	}

	slog.Debug("seeded cross attention cache", "layers", crossCache.Len())
	return m.logits(ctx, hiddenStates), crossCache, nil
}

// Prefill runs inputIDs, [seq], against an existing cross attention cache and
// returns logits for every position, [vocab_size, seq]
func (m *Model) Prefill(ctx ml.Context, selfCache *cache.Causal, inputIDs ml.Tensor, totalSeqLen int, crossCache *cache.Cross) (ml.Tensor, error) {
	hiddenStates, _, err := m.Decoder.Forward(ctx, inputIDs, totalSeqLen, selfCache, nil, crossCache)
	if err != nil {
		return nil, err
	}

	return m.logits(ctx, hiddenStates), nil
}

// Forward is Prefill reduced to the logits of the last position, [vocab_size]
func (m *Model) Forward(ctx ml.Context, selfCache *cache.Causal, inputIDs ml.Tensor, totalSeqLen int, crossCache *cache.Cross) (ml.Tensor, error) {
	hiddenStates, _, err := m.Decoder.Forward(ctx, inputIDs, totalSeqLen, selfCache, nil, crossCache)
	if err != nil {
		return nil, err
	}

	last := hiddenStates.View(ctx, hiddenStates.Stride(1)*(hiddenStates.Dim(1)-1), hiddenStates.Dim(0))
	return m.logits(ctx, last), nil
}

func (m *Model) logits(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	return m.Output.Forward(ctx, hiddenStates).Cast(ctx, ml.DTypeF32)
}

// SoftmaxWithTemperature returns softmax(logits / temperature). temperature
// must be positive.
func (m *Model) SoftmaxWithTemperature(ctx ml.Context, logits ml.Tensor, temperature float64) ml.Tensor {
	return logits.Scale(ctx, 1/temperature).Softmax(ctx)
}

func init() {
	model.Register("whisper", New)
}
