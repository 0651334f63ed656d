package whisper

import (
	"fmt"

	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/nn"
)

type EncoderLayer struct {
	AttentionNorm *nn.LayerNorm `gguf:"attn_norm"`
	SelfAttention *Attention    `gguf:"attn"`

	MLPNorm *nn.LayerNorm `gguf:"ffn_norm"`
	Up      *nn.Linear    `gguf:"ffn_up"`
	Down    *nn.Linear    `gguf:"ffn_down"`
}

func (l *EncoderLayer) Forward(ctx ml.Context, hiddenStates ml.Tensor) (ml.Tensor, error) {
	residual := hiddenStates

	hiddenStates = l.AttentionNorm.Forward(ctx, hiddenStates, layerNormEpsilon)
	attention, err := l.SelfAttention.Forward(ctx, hiddenStates, AttentionInput{})
	if err != nil {
		return nil, err
	}

	hiddenStates = residual.Add(ctx, attention.Output)
	residual = hiddenStates

	hiddenStates = l.MLPNorm.Forward(ctx, hiddenStates, layerNormEpsilon)
	hiddenStates = l.Up.Forward(ctx, hiddenStates).GELU(ctx)
	hiddenStates = l.Down.Forward(ctx, hiddenStates)
	hiddenStates = residual.Add(ctx, hiddenStates)

	// keep reduced precision activations finite
	lo, hi := hiddenStates.DType().Range()
	return hiddenStates.Clamp(ctx, lo, hi), nil
}

type Encoder struct {
	Conv1      *nn.Conv1D           `gguf:"conv1"`
	Conv2      *nn.Conv1D           `gguf:"conv2"`
	Position   *PositionalEmbedding `gguf:"position_embd"`
	Layers     []EncoderLayer       `gguf:"blk"`
	OutputNorm *nn.LayerNorm        `gguf:"output_norm"`

	config *Config
}

func newEncoder(c *Config) *Encoder {
	layers := make([]EncoderLayer, c.EncoderLayers)
	for i := range layers {
		layers[i].SelfAttention = newAttention(SelfAttention, c.DModel, c.EncoderAttentionHeads)
	}

	return &Encoder{Layers: layers, config: c}
}

// Forward encodes mel features, [frames, num_mel_bins], into hidden states,
// [d_model, max_source_positions]. frames must equal FrameCount.
func (e *Encoder) Forward(ctx ml.Context, features ml.Tensor) (ml.Tensor, error) {
	if features.Dim(0) != e.config.FrameCount() || features.Dim(1) != e.config.NumMelBins || features.Dim(2) != 1 {
		return nil, fmt.Errorf("%w: expected features of %d frames by %d mel bins, got %v", ErrInputShape, e.config.FrameCount(), e.config.NumMelBins, features.Shape())
	}

	hiddenStates := features.Cast(ctx, e.Conv1.Weight.DType())
	hiddenStates = e.Conv1.Forward(ctx, hiddenStates, conv1Stride, 1, 1).GELU(ctx)
	hiddenStates = e.Conv2.Forward(ctx, hiddenStates, conv2Stride, 1, 1).GELU(ctx)

	// [frames, d_model] -> [d_model, frames]
	hiddenStates = hiddenStates.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)
	seqLen := hiddenStates.Dim(1)
	hiddenStates = hiddenStates.Reshape(ctx, e.config.DModel, seqLen)

	positions, err := e.Position.Forward(ctx, seqLen, 0)
	if err != nil {
		return nil, err
	}

	hiddenStates = hiddenStates.Add(ctx, positions)
	for i := range e.Layers {
		hiddenStates, err = e.Layers[i].Forward(ctx, hiddenStates)
		if err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}

		logutil.Trace("encoder layer", "layer", i, "hidden", ml.DumpValue(hiddenStates))
	}

	return e.OutputNorm.Forward(ctx, hiddenStates, layerNormEpsilon), nil
}
