package whisper

import (
	"errors"
	"fmt"

	"github.com/jmorganca/whisper/fs"
)

var (
	ErrInvalidConfig = errors.New("invalid whisper config")
	ErrInputShape    = errors.New("invalid input shape")
)

const (
	conv1Stride = 1
	conv2Stride = 2

	layerNormEpsilon = 1e-5
)

// Config holds the hyperparameters of a whisper model. It is built once from
// the model's key-value metadata and never changes afterwards.
type Config struct {
	VocabSize  int
	NumMelBins int

	EncoderLayers         int
	EncoderAttentionHeads int
	EncoderFFNDim         int

	DecoderLayers         int
	DecoderAttentionHeads int
	DecoderFFNDim         int

	DModel             int
	MaxSourcePositions int
	MaxTargetPositions int
	PadTokenID         int32

	ContextWindowSize    int
	PrefillChunkSize     int
	TensorParallelShards int

	// generation settings
	DecoderStartTokenID int32
	EOSTokenID          int32
	SuppressTokens      []int32
	BeginSuppressTokens []int32
	// ForcedDecoderIDs maps a generation step to the token it must produce
	ForcedDecoderIDs map[int]int32
}

// NewConfig reads a Config from c. It fails with ErrInvalidConfig when a
// required dimension is missing, when d_model is not divisible by either head
// count, or when no context window size can be resolved.
func NewConfig(c fs.Config) (*Config, error) {
	get := func(key string) int { return int(c.Uint(key)) }

	cfg := Config{
		VocabSize:             get("vocab_size"),
		NumMelBins:            get("num_mel_bins"),
		EncoderLayers:         get("encoder_layers"),
		EncoderAttentionHeads: get("encoder_attention_heads"),
		EncoderFFNDim:         get("encoder_ffn_dim"),
		DecoderLayers:         get("decoder_layers"),
		DecoderAttentionHeads: get("decoder_attention_heads"),
		DecoderFFNDim:         get("decoder_ffn_dim"),
		DModel:                get("d_model"),
		MaxSourcePositions:    get("max_source_positions"),
		MaxTargetPositions:    get("max_target_positions"),
		PadTokenID:            int32(c.Uint("pad_token_id")),
		ContextWindowSize:     get("context_window_size"),
		PrefillChunkSize:      get("prefill_chunk_size"),
		TensorParallelShards:  int(c.Uint("tensor_parallel_shards", 1)),
		SuppressTokens:        c.Ints("suppress_tokens"),
		BeginSuppressTokens:   c.Ints("begin_suppress_tokens"),
	}

	for _, required := range []struct {
		name  string
		value int
	}{
		{"vocab_size", cfg.VocabSize},
		{"num_mel_bins", cfg.NumMelBins},
		{"encoder_layers", cfg.EncoderLayers},
		{"encoder_attention_heads", cfg.EncoderAttentionHeads},
		{"decoder_layers", cfg.DecoderLayers},
		{"decoder_attention_heads", cfg.DecoderAttentionHeads},
		{"d_model", cfg.DModel},
		{"max_source_positions", cfg.MaxSourcePositions},
		{"max_target_positions", cfg.MaxTargetPositions},
	} {
		if required.value == 0 {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidConfig, required.name)
		}
	}

	if cfg.DModel%cfg.DecoderAttentionHeads != 0 {
		return nil, fmt.Errorf("%w: d_model %d must be divisible by decoder_attention_heads %d", ErrInvalidConfig, cfg.DModel, cfg.DecoderAttentionHeads)
	}

	if cfg.DModel%cfg.EncoderAttentionHeads != 0 {
		return nil, fmt.Errorf("%w: d_model %d must be divisible by encoder_attention_heads %d", ErrInvalidConfig, cfg.DModel, cfg.EncoderAttentionHeads)
	}

	if cfg.ContextWindowSize == 0 {
		for _, key := range []string{"n_positions", "max_sequence_length", "max_target_positions"} {
			if n := get(key); n > 0 {
				cfg.ContextWindowSize = n
				break
			}
		}

		if cfg.ContextWindowSize == 0 {
			return nil, fmt.Errorf("%w: unable to determine the context window size", ErrInvalidConfig)
		}
	}

	if cfg.PrefillChunkSize == 0 {
		cfg.PrefillChunkSize = cfg.ContextWindowSize
	}

	if cfg.EncoderFFNDim == 0 {
		cfg.EncoderFFNDim = 4 * cfg.DModel
	}

	if cfg.DecoderFFNDim == 0 {
		cfg.DecoderFFNDim = 4 * cfg.DModel
	}

	cfg.DecoderStartTokenID = int32(c.Uint("decoder_start_token_id", uint32(cfg.PadTokenID)))
	cfg.EOSTokenID = int32(c.Uint("eos_token_id", uint32(cfg.PadTokenID)))

	forced := c.Ints("forced_decoder_ids")
	if len(forced)%2 != 0 {
		return nil, fmt.Errorf("%w: forced_decoder_ids must hold (step, token) pairs", ErrInvalidConfig)
	}

	if len(forced) > 0 {
		cfg.ForcedDecoderIDs = make(map[int]int32, len(forced)/2)
		for i := 0; i < len(forced); i += 2 {
			cfg.ForcedDecoderIDs[int(forced[i])] = forced[i+1]
		}
	}

	return &cfg, nil
}

func (c *Config) EncoderHeadDim() int {
	return c.DModel / c.EncoderAttentionHeads
}

func (c *Config) DecoderHeadDim() int {
	return c.DModel / c.DecoderAttentionHeads
}

// FrameCount is the exact number of mel frames the encoder accepts
func (c *Config) FrameCount() int {
	return c.MaxSourcePositions * conv1Stride * conv2Stride
}
