package nn

import (
	"fmt"

	"github.com/jmorganca/whisper/ml"
)

// Attention implements scaled dot-product attention without a mask:
// Attention(Q, K, V) = softmax(clamp(sQKᵀ))V
//
// Parameters:
//   - ctx: Context for tensor operations
//   - query: Query tensor (Q) with shape [d_k, heads, seq_len_q]
//   - key: Key tensor (K) with shape [d_k, heads, seq_len_k]
//   - value: Value tensor (V) with shape [d_v, heads, seq_len_k]
//   - scale: Scaling factor applied to the query, typically 1/√d_k
//
// Scores are clamped to the finite range of the query type and normalized in
// float32 before being cast back.
//
// Returns:
//
//	Attention output with shape [d_v, heads, seq_len_q]
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64) ml.Tensor {
	if query.Dim(0) != key.Dim(0) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(0), key.Dim(0)))
	}

	if key.Dim(1) != value.Dim(1) || query.Dim(1) != key.Dim(1) {
		panic(fmt.Errorf("heads in attention operation do not match between query(%v), key(%v) and value(%v)", query.Dim(1), key.Dim(1), value.Dim(1)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	dtype := query.DType()
	ctx.Forward(query, key, value)

	query = query.Scale(ctx, scale).Permute(ctx, 0, 2, 1, 3)
	key = key.Permute(ctx, 0, 2, 1, 3)
	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	kq := key.MulmatFullPrec(ctx, query)

	lo, hi := dtype.Range()
	kq = kq.Clamp(ctx, lo, hi)
	kq = kq.Softmax(ctx).Cast(ctx, dtype)

	kqv := value.Mulmat(ctx, kq)
	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
}
