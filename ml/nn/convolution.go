package nn

import "github.com/jmorganca/whisper/ml"

// Conv1D holds a [width, in_channels, out_channels] kernel
type Conv1D struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

func (m *Conv1D) Forward(ctx ml.Context, t ml.Tensor, s, p, d int) ml.Tensor {
	t = m.Weight.Conv1D(ctx, t, s, p, d)
	if m.Bias != nil {
		// Broadcast bias along the time dimension to match convolution output layout.
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, m.Bias.Dim(0), 1))
	}
	return t
}
