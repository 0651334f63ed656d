package whisperrunner

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/whisper/ml"
)

// Options control a single transcription
type Options struct {
	// Temperature 0 decodes greedily
	Temperature float64 `mapstructure:"temperature"`
	TopK        int     `mapstructure:"top_k"`
	TopP        float64 `mapstructure:"top_p"`
	// Seed makes weighted sampling reproducible. Negative seeds draw from
	// the global source.
	Seed int64 `mapstructure:"seed"`

	// MaxNewTokens bounds the number of sampled tokens. Zero generates until
	// end of text or the decoder's position limit.
	MaxNewTokens int `mapstructure:"max_new_tokens"`

	// KVCacheType is the dtype of the self attention cache
	KVCacheType string `mapstructure:"kv_cache_type"`

	// SpecialTokens keeps control tokens, such as language and task
	// markers, in the decoded text
	SpecialTokens bool `mapstructure:"special_tokens"`
}

func DefaultOptions() Options {
	return Options{
		Seed:        -1,
		TopP:        1,
		KVCacheType: "f32",
	}
}

// FromMap overlays the values of m, usually decoded from JSON, on o.
// Unknown keys are an error.
func (o *Options) FromMap(m map[string]any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           o,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(m); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	return o.validate()
}

func (o *Options) validate() error {
	switch {
	case o.Temperature < 0:
		return fmt.Errorf("invalid options: temperature must not be negative, got %v", o.Temperature)
	case o.TopK < 0:
		return fmt.Errorf("invalid options: top_k must not be negative, got %d", o.TopK)
	case o.TopP <= 0 || o.TopP > 1:
		return fmt.Errorf("invalid options: top_p must be in (0, 1], got %v", o.TopP)
	case o.MaxNewTokens < 0:
		return fmt.Errorf("invalid options: max_new_tokens must not be negative, got %d", o.MaxNewTokens)
	}

	if _, err := o.cacheType(); err != nil {
		return fmt.Errorf("invalid options: kv_cache_type: %w", err)
	}

	return nil
}

func (o *Options) cacheType() (ml.DType, error) {
	dtype, err := ml.ParseDType(o.KVCacheType)
	if err != nil {
		return dtype, err
	}

	if dtype == ml.DTypeI32 {
		return dtype, fmt.Errorf("%v is not a float type", dtype)
	}

	return dtype, nil
}
