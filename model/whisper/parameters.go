package whisper

import (
	"fmt"
	"maps"
	"slices"
)

// ParameterShapes lists every parameter a whisper model of configuration c
// loads, keyed by name, with shapes innermost dimension first. The output
// projection is tied to the token embedding and is not listed.
func (c *Config) ParameterShapes() map[string][]int {
	d := c.DModel
	shapes := map[string][]int{
		"enc.conv1.weight":         {3, c.NumMelBins, d},
		"enc.conv1.bias":           {d},
		"enc.conv2.weight":         {3, d, d},
		"enc.conv2.bias":           {d},
		"enc.position_embd.weight": {d, c.MaxSourcePositions},
		"enc.output_norm.weight":   {d},
		"enc.output_norm.bias":     {d},

		"dec.token_embd.weight":    {d, c.VocabSize},
		"dec.position_embd.weight": {d, c.MaxTargetPositions},
		"dec.output_norm.weight":   {d},
		"dec.output_norm.bias":     {d},
	}

	attention := func(prefix string) {
		for _, name := range []string{"q", "k", "v", "output"} {
			shapes[prefix+"."+name+".weight"] = []int{d, d}
			// keys are projected without a bias
			if name != "k" {
				shapes[prefix+"."+name+".bias"] = []int{d}
			}
		}
	}

	layer := func(prefix string, ffn int) {
		for _, norm := range []string{"attn_norm", "ffn_norm"} {
			shapes[prefix+"."+norm+".weight"] = []int{d}
			shapes[prefix+"."+norm+".bias"] = []int{d}
		}

		attention(prefix + ".attn")
		shapes[prefix+".ffn_up.weight"] = []int{d, ffn}
		shapes[prefix+".ffn_up.bias"] = []int{ffn}
		shapes[prefix+".ffn_down.weight"] = []int{ffn, d}
		shapes[prefix+".ffn_down.bias"] = []int{d}
	}

	for i := range c.EncoderLayers {
		layer(fmt.Sprintf("enc.blk.%d", i), c.EncoderFFNDim)
	}

	for i := range c.DecoderLayers {
		prefix := fmt.Sprintf("dec.blk.%d", i)
		layer(prefix, c.DecoderFFNDim)
		attention(prefix + ".cross_attn")
		shapes[prefix+".cross_attn_norm.weight"] = []int{d}
		shapes[prefix+".cross_attn_norm.bias"] = []int{d}
	}

	return shapes
}

// ParameterNames is the sorted list of ParameterShapes keys
func (c *Config) ParameterNames() []string {
	return slices.Sorted(maps.Keys(c.ParameterShapes()))
}
