package whisper

import (
	"errors"
	"fmt"
	"math"

	"github.com/jmorganca/whisper/cache"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/nn"
)

// AttentionMode selects where an attention block takes its keys and values
// from. It is fixed when the block is built.
type AttentionMode int

const (
	// SelfAttention projects keys and values from the block input and keeps
	// no state
	SelfAttention AttentionMode = iota
	// CachedSelfAttention appends the projected keys and values to a session
	// cache and attends over everything cached so far
	CachedSelfAttention
	// CrossAttention attends over the encoder output. Keys and values are
	// projected from the encoder states on the first call of a session and
	// reused from a cached pair afterwards.
	CrossAttention
)

func (m AttentionMode) String() string {
	switch m {
	case SelfAttention:
		return "self"
	case CachedSelfAttention:
		return "cached self"
	case CrossAttention:
		return "cross"
	default:
		return fmt.Sprintf("AttentionMode(%d)", int(m))
	}
}

var errAttentionInput = errors.New("attention input does not match its mode")

// AttentionInput carries the per call state of an attention block. Which
// fields are read depends on the block's mode.
type AttentionInput struct {
	// Cache and TotalSeqLen are read by CachedSelfAttention
	Cache       *cache.Layer
	TotalSeqLen int

	// CrossAttention reads Pair when it is set and projects States otherwise
	States ml.Tensor
	Pair   *cache.Pair
}

// AttentionOutput is the result of an attention block. Cross is only set on
// the first cross attention call of a session, when the keys and values were
// projected from the encoder states and should be cached by the caller.
type AttentionOutput struct {
	Output ml.Tensor
	Cross  *cache.Pair
}

type Attention struct {
	Query  *nn.Linear `gguf:"q"`
	Key    *nn.Linear `gguf:"k"`
	Value  *nn.Linear `gguf:"v"`
	Output *nn.Linear `gguf:"output"`

	mode     AttentionMode
	numHeads int
	headDim  int
}

func newAttention(mode AttentionMode, dModel, numHeads int) *Attention {
	return &Attention{mode: mode, numHeads: numHeads, headDim: dModel / numHeads}
}

func (a *Attention) Mode() AttentionMode {
	return a.mode
}

// Forward attends hiddenStates, [d_model, seq], according to the block's mode
func (a *Attention) Forward(ctx ml.Context, hiddenStates ml.Tensor, in AttentionInput) (AttentionOutput, error) {
	seqLen := hiddenStates.Dim(1)
	if hiddenStates.Dim(2) > 1 {
		return AttentionOutput{}, fmt.Errorf("%w: batch size must be 1, got %d", ErrInputShape, hiddenStates.Dim(2))
	}

	query := a.Query.Forward(ctx, hiddenStates)
	query = query.Reshape(ctx, a.headDim, a.numHeads, seqLen)
	dtype := query.DType()

	var out AttentionOutput
	var key, value ml.Tensor
	switch a.mode {
	case SelfAttention:
		key, value = a.project(ctx, hiddenStates)
	case CachedSelfAttention:
		if in.Cache == nil {
			return out, fmt.Errorf("%w: %v without a cache", errAttentionInput, a.mode)
		}

		var err error
		key, value = a.project(ctx, hiddenStates)
		key, value, err = in.Cache.Put(ctx, key, value, in.TotalSeqLen)
		if err != nil {
			return out, err
		}
	case CrossAttention:
		switch {
		case in.Pair != nil:
			key = in.Pair.Key.Cast(ctx, dtype)
			value = in.Pair.Value.Cast(ctx, dtype)
		case in.States != nil:
			key, value = a.project(ctx, in.States.Cast(ctx, dtype))
			out.Cross = &cache.Pair{Key: key, Value: value}
		default:
			return out, fmt.Errorf("%w: %v needs encoder states or a cached pair", errAttentionInput, a.mode)
		}
	default:
		return out, fmt.Errorf("%w: unknown mode %v", errAttentionInput, a.mode)
	}

	attention := nn.Attention(ctx, query, key, value, 1/math.Sqrt(float64(a.headDim)))
	attention = attention.Reshape(ctx, a.headDim*a.numHeads, seqLen)
	out.Output = a.Output.Forward(ctx, attention)
	return out, nil
}

// project computes keys and values of t as [head_dim, heads, seq]
func (a *Attention) project(ctx ml.Context, t ml.Tensor) (ml.Tensor, ml.Tensor) {
	seqLen := t.Dim(1)

	key := a.Key.Forward(ctx, t)
	key = key.Reshape(ctx, a.headDim, a.numHeads, seqLen)

	value := a.Value.Forward(ctx, t)
	value = value.Reshape(ctx, a.headDim, a.numHeads, seqLen)
	return key, value
}
