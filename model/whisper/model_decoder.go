package whisper

import (
	"fmt"

	"github.com/jmorganca/whisper/cache"
	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/nn"
)

type DecoderLayer struct {
	AttentionNorm *nn.LayerNorm `gguf:"attn_norm"`
	SelfAttention *Attention    `gguf:"attn"`

	CrossAttentionNorm *nn.LayerNorm `gguf:"cross_attn_norm"`
	CrossAttention     *Attention    `gguf:"cross_attn"`

	MLPNorm *nn.LayerNorm `gguf:"ffn_norm"`
	Up      *nn.Linear    `gguf:"ffn_up"`
	Down    *nn.Linear    `gguf:"ffn_down"`
}

// Forward runs one decoder layer. The returned pair is the layer's freshly
// projected cross attention keys and values when cross.Pair was nil, and nil
// otherwise.
func (l *DecoderLayer) Forward(ctx ml.Context, hiddenStates ml.Tensor, self, cross AttentionInput) (ml.Tensor, *cache.Pair, error) {
	residual := hiddenStates

	hiddenStates = l.AttentionNorm.Forward(ctx, hiddenStates, layerNormEpsilon)
	attention, err := l.SelfAttention.Forward(ctx, hiddenStates, self)
	if err != nil {
		return nil, nil, err
	}

	hiddenStates = residual.Add(ctx, attention.Output)
	residual = hiddenStates

	hiddenStates = l.CrossAttentionNorm.Forward(ctx, hiddenStates, layerNormEpsilon)
	attention, err = l.CrossAttention.Forward(ctx, hiddenStates, cross)
	if err != nil {
		return nil, nil, err
	}

	hiddenStates = residual.Add(ctx, attention.Output)
	residual = hiddenStates

	hiddenStates = l.MLPNorm.Forward(ctx, hiddenStates, layerNormEpsilon)
	hiddenStates = l.Up.Forward(ctx, hiddenStates).GELU(ctx)
	hiddenStates = l.Down.Forward(ctx, hiddenStates)
	return residual.Add(ctx, hiddenStates), attention.Cross, nil
}

type Decoder struct {
	TokenEmbedding *nn.Embedding        `gguf:"token_embd"`
	Position       *PositionalEmbedding `gguf:"position_embd"`
	Layers         []DecoderLayer       `gguf:"blk"`
	OutputNorm     *nn.LayerNorm        `gguf:"output_norm"`

	config *Config
}

func newDecoder(c *Config) *Decoder {
	layers := make([]DecoderLayer, c.DecoderLayers)
	for i := range layers {
		layers[i].SelfAttention = newAttention(CachedSelfAttention, c.DModel, c.DecoderAttentionHeads)
		layers[i].CrossAttention = newAttention(CrossAttention, c.DModel, c.DecoderAttentionHeads)
	}

	return &Decoder{Layers: layers, config: c}
}

// Forward decodes inputIDs, [seq], into hidden states, [d_model, seq].
//
// With a nil crossCache the call is cold: every layer projects its cross
// attention keys and values from encoderStates and the pairs are returned in
// layer order. Otherwise layer i reuses crossCache.Layer(i) and no pairs are
// returned.
func (d *Decoder) Forward(ctx ml.Context, inputIDs ml.Tensor, totalSeqLen int, selfCache *cache.Causal, encoderStates ml.Tensor, crossCache *cache.Cross) (ml.Tensor, []cache.Pair, error) {
	seqLen := inputIDs.Dim(0)

	hiddenStates := d.TokenEmbedding.Forward(ctx, inputIDs)
	positions, err := d.Position.Forward(ctx, seqLen, totalSeqLen-1)
	if err != nil {
		return nil, nil, err
	}

	hiddenStates = hiddenStates.Add(ctx, positions)

	var pairs []cache.Pair
	for i := range d.Layers {
		self := AttentionInput{Cache: selfCache.Sub(i), TotalSeqLen: totalSeqLen}

		var cross AttentionInput
		if crossCache == nil {
			cross.States = encoderStates
		} else {
			pair, err := crossCache.Layer(i)
			if err != nil {
				return nil, nil, err
			}

			cross.Pair = &pair
		}

		var fresh *cache.Pair
		hiddenStates, fresh, err = d.Layers[i].Forward(ctx, hiddenStates, self, cross)
		if err != nil {
			return nil, nil, fmt.Errorf("decoder layer %d: %w", i, err)
		}

		if fresh != nil {
			pairs = append(pairs, *fresh)
		}

		logutil.Trace("decoder layer", "layer", i, "total", totalSeqLen, "cold", crossCache == nil, "hidden", ml.DumpValue(hiddenStates))
	}

	return d.OutputNorm.Forward(ctx, hiddenStates, layerNormEpsilon), pairs, nil
}
