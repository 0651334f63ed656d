package quantize

import (
	"fmt"
	"slices"

	"github.com/jmorganca/whisper/ml"
)

var presets = map[string]Quantization{
	"q0f16": NoQuantize{name: "q0f16", dtype: ml.DTypeF16},
	"q0f32": NoQuantize{name: "q0f32", dtype: ml.DTypeF32},

	"q3f16_0": GroupQuantize{name: "q3f16_0", Bits: 3, GroupSize: 40, dtype: ml.DTypeF16, LinearWeightLayout: "KN"},
	"q3f16_1": GroupQuantize{name: "q3f16_1", Bits: 3, GroupSize: 40, dtype: ml.DTypeF16, LinearWeightLayout: "NK"},
	"q4f16_0": GroupQuantize{name: "q4f16_0", Bits: 4, GroupSize: 32, dtype: ml.DTypeF16, LinearWeightLayout: "KN"},
	"q4f16_1": GroupQuantize{name: "q4f16_1", Bits: 4, GroupSize: 32, dtype: ml.DTypeF16, LinearWeightLayout: "NK"},
	"q4f16_2": GroupQuantize{name: "q4f16_2", Bits: 4, GroupSize: 32, dtype: ml.DTypeF16, LinearWeightLayout: "NK"},
	"q4f32_0": GroupQuantize{name: "q4f32_0", Bits: 4, GroupSize: 32, dtype: ml.DTypeF32, LinearWeightLayout: "KN"},
	"q4f32_1": GroupQuantize{name: "q4f32_1", Bits: 4, GroupSize: 32, dtype: ml.DTypeF32, LinearWeightLayout: "NK"},
	"q8f16_0": GroupQuantize{name: "q8f16_0", Bits: 8, GroupSize: 32, dtype: ml.DTypeF16, LinearWeightLayout: "KN"},

	"q4f16_awq": AWQQuantize{name: "q4f16_awq", Bits: 4, GroupSize: 128, dtype: ml.DTypeF16},
}

// Presets lists the names of every preset
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

// Parse returns the preset called name
func Parse(name string) (Quantization, error) {
	if q, ok := presets[name]; ok {
		return q, nil
	}

	return nil, fmt.Errorf("%w %q, expected one of %v", ErrUnknownPreset, name, Presets())
}
