package whisper

import (
	"fmt"

	"github.com/jmorganca/whisper/ml"
)

// PositionalEmbedding is a learned table of absolute position vectors,
// [d_model, max_positions]
type PositionalEmbedding struct {
	Weight ml.Tensor `gguf:"weight"`
}

// Forward returns the embeddings of positions offset, offset+1, ...,
// offset+n-1 as [d_model, n]
func (p *PositionalEmbedding) Forward(ctx ml.Context, n, offset int) (ml.Tensor, error) {
	if offset < 0 || offset+n > p.Weight.Dim(1) {
		return nil, fmt.Errorf("%w: positions [%d, %d) exceed the table of %d", ErrInputShape, offset, offset+n, p.Weight.Dim(1))
	}

	positions := make([]int32, n)
	for j := range positions {
		positions[j] = int32(offset + j)
	}

	ids, err := ctx.FromIntSlice(positions, n)
	if err != nil {
		return nil, err
	}

	return p.Weight.Rows(ctx, ids), nil
}
