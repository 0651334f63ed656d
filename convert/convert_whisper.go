package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	mfs "github.com/jmorganca/whisper/fs"
)

type whisperModel struct {
	ModelParameters
	NumMelBins            uint32 `json:"num_mel_bins"`
	EncoderLayers         uint32 `json:"encoder_layers"`
	EncoderAttentionHeads uint32 `json:"encoder_attention_heads"`
	EncoderFFNDim         uint32 `json:"encoder_ffn_dim"`
	DecoderLayers         uint32 `json:"decoder_layers"`
	DecoderAttentionHeads uint32 `json:"decoder_attention_heads"`
	DecoderFFNDim         uint32 `json:"decoder_ffn_dim"`
	DModel                uint32 `json:"d_model"`
	MaxSourcePositions    uint32 `json:"max_source_positions"`
	MaxTargetPositions    uint32 `json:"max_target_positions"`
	PadTokenID            uint32 `json:"pad_token_id"`
	ContextWindowSize     uint32 `json:"context_window_size"`
	PrefillChunkSize      uint32 `json:"prefill_chunk_size"`
	DecoderStartTokenID   uint32 `json:"decoder_start_token_id"`
	EOSTokenID            uint32 `json:"eos_token_id"`

	SuppressTokens      []int32 `json:"suppress_tokens"`
	BeginSuppressTokens []int32 `json:"begin_suppress_tokens"`
	// ForcedDecoderIDs are (step, token) pairs. A null token leaves the step
	// to the model, e.g. for language detection.
	ForcedDecoderIDs [][2]*int32 `json:"forced_decoder_ids"`
}

var _ moreParser = (*whisperModel)(nil)

// parseMore overlays generation_config.json, which holds the generation
// settings of newer checkpoints
func (m *whisperModel) parseMore(fsys fs.FS) error {
	bts, err := fs.ReadFile(fsys, "generation_config.json")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var g struct {
		DecoderStartTokenID *uint32     `json:"decoder_start_token_id"`
		EOSTokenID          *uint32     `json:"eos_token_id"`
		SuppressTokens      []int32     `json:"suppress_tokens"`
		BeginSuppressTokens []int32     `json:"begin_suppress_tokens"`
		ForcedDecoderIDs    [][2]*int32 `json:"forced_decoder_ids"`
	}

	if err := json.Unmarshal(bts, &g); err != nil {
		return fmt.Errorf("generation_config.json: %w", err)
	}

	if g.DecoderStartTokenID != nil {
		m.DecoderStartTokenID = *g.DecoderStartTokenID
	}

	if g.EOSTokenID != nil {
		m.EOSTokenID = *g.EOSTokenID
	}

	if g.SuppressTokens != nil {
		m.SuppressTokens = g.SuppressTokens
	}

	if g.BeginSuppressTokens != nil {
		m.BeginSuppressTokens = g.BeginSuppressTokens
	}

	if g.ForcedDecoderIDs != nil {
		m.ForcedDecoderIDs = g.ForcedDecoderIDs
	}

	return nil
}

func (m *whisperModel) KV(t *Tokenizer) mfs.KV {
	kv := mfs.KV{
		"general.architecture":            "whisper",
		"whisper.vocab_size":              m.VocabSize,
		"whisper.num_mel_bins":            m.NumMelBins,
		"whisper.encoder_layers":          m.EncoderLayers,
		"whisper.encoder_attention_heads": m.EncoderAttentionHeads,
		"whisper.encoder_ffn_dim":         m.EncoderFFNDim,
		"whisper.decoder_layers":          m.DecoderLayers,
		"whisper.decoder_attention_heads": m.DecoderAttentionHeads,
		"whisper.decoder_ffn_dim":         m.DecoderFFNDim,
		"whisper.d_model":                 m.DModel,
		"whisper.max_source_positions":    m.MaxSourcePositions,
		"whisper.max_target_positions":    m.MaxTargetPositions,
		"whisper.pad_token_id":            m.PadTokenID,
		"whisper.decoder_start_token_id":  m.DecoderStartTokenID,
		"whisper.eos_token_id":            m.EOSTokenID,
		"tokenizer.ggml.model":            t.Vocabulary.Model,
		"tokenizer.ggml.tokens":           t.Vocabulary.Tokens,
		"tokenizer.ggml.token_type":       t.Vocabulary.Types,
	}

	if m.ContextWindowSize > 0 {
		kv["whisper.context_window_size"] = m.ContextWindowSize
	}

	if m.PrefillChunkSize > 0 {
		kv["whisper.prefill_chunk_size"] = m.PrefillChunkSize
	}

	if len(t.Merges) > 0 {
		kv["tokenizer.ggml.merges"] = t.Merges
	}

	if len(m.SuppressTokens) > 0 {
		kv["whisper.suppress_tokens"] = m.SuppressTokens
	}

	if len(m.BeginSuppressTokens) > 0 {
		kv["whisper.begin_suppress_tokens"] = m.BeginSuppressTokens
	}

	var forced []int32
	for _, pair := range m.ForcedDecoderIDs {
		if pair[0] != nil && pair[1] != nil {
			forced = append(forced, *pair[0], *pair[1])
		}
	}

	if len(forced) > 0 {
		kv["whisper.forced_decoder_ids"] = forced
	}

	return kv
}

func (m *whisperModel) Replacements() []string {
	return []string{
		"model.encoder.conv1", "enc.conv1",
		"model.encoder.conv2", "enc.conv2",
		"model.encoder.embed_positions", "enc.position_embd",
		"model.encoder.layer_norm", "enc.output_norm",
		"model.encoder.layers", "enc.blk",
		"model.decoder.embed_tokens", "dec.token_embd",
		"model.decoder.embed_positions", "dec.position_embd",
		"model.decoder.layer_norm", "dec.output_norm",
		"model.decoder.layers", "dec.blk",
		"self_attn_layer_norm", "attn_norm",
		"encoder_attn_layer_norm", "cross_attn_norm",
		"final_layer_norm", "ffn_norm",
		"self_attn.", "attn.",
		"encoder_attn.", "cross_attn.",
		"q_proj", "q",
		"k_proj", "k",
		"v_proj", "v",
		"out_proj", "output",
		"fc1", "ffn_up",
		"fc2", "ffn_down",
		"proj_out", "output",
	}
}
