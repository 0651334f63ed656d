package api

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jmorganca/whisper/mel"
)

// StatusError is an error with an HTTP status code and message.
// It is parsed on the client side and not returned from the API.
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the whisper server logs for details"
	}
}

// TranscribeRequest describes a request sent by [Client.Transcribe] to
// transcribe mel features.
type TranscribeRequest struct {
	// Model is the name of a model directory under the server's models
	// directory
	Model string `json:"model"`

	// Features is a CBOR encoded mel feature document; see [EncodeFeatures]
	Features []byte `json:"features"`

	// Options lists sampling and decoding options such as temperature,
	// top_k, top_p, seed, max_new_tokens, kv_cache_type and special_tokens
	Options map[string]any `json:"options,omitempty"`
}

// EncodeFeatures serializes f for [TranscribeRequest.Features]
func EncodeFeatures(f *mel.Features) ([]byte, error) {
	var b bytes.Buffer
	if err := mel.Encode(&b, f); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// TranscribeResponse is the response from [Client.Transcribe]
type TranscribeResponse struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Text       string    `json:"text"`
	Tokens     []int32   `json:"tokens"`
	Probs      []float32 `json:"probs,omitempty"`
	DoneReason string    `json:"done_reason"`

	Metrics
}

type Metrics struct {
	TotalDuration        time.Duration `json:"total_duration,omitempty"`
	EncodeDuration       time.Duration `json:"encode_duration,omitempty"`
	DecodeCount          int           `json:"decode_count,omitempty"`
	DecodeDuration       time.Duration `json:"decode_duration,omitempty"`
	PrefillCount         int           `json:"prefill_count,omitempty"`
	PrefillDuration      time.Duration `json:"prefill_duration,omitempty"`
	TokensPerSecond      float64       `json:"tokens_per_second,omitempty"`
	QuantizationPreset   string        `json:"quantization,omitempty"`
	SelfAttentionKVCache string        `json:"kv_cache_type,omitempty"`
}

// ShowRequest is the request passed to [Client.Show]
type ShowRequest struct {
	Model string `json:"model"`

	// Verbose lists every parameter
	Verbose bool `json:"verbose,omitempty"`
}

// ShowResponse is the response returned from [Client.Show]
type ShowResponse struct {
	Model        string         `json:"model"`
	Architecture string         `json:"architecture"`
	Config       map[string]any `json:"config"`
	Quantization string         `json:"quantization,omitempty"`
	ParamCount   uint64         `json:"param_count"`
	Parameters   []Parameter    `json:"parameters,omitempty"`
}

type Parameter struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
