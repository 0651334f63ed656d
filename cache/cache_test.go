package cache

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/backend/cpu"
)

func newBackend(t *testing.T) ml.Backend {
	t.Helper()
	b, err := cpu.New(&fs.Model{KV: fs.KV{}}, ml.BackendParams{NumThreads: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b
}

// step builds a [head_dim=2, heads=1, seq=1] tensor filled with v
func step(t *testing.T, ctx ml.Context, v float32) ml.Tensor {
	t.Helper()
	tt, err := ctx.FromFloatSlice([]float32{v, v}, 2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	return tt
}

func TestCausalAppendView(t *testing.T) {
	backend := newBackend(t)
	c := NewCausal(backend, ml.DTypeF32, 4)
	defer c.Close()

	ctx := backend.NewContext()
	defer ctx.Close()

	layer := c.Sub(1)
	for n := 1; n <= 3; n++ {
		key, value, err := layer.Put(ctx, step(t, ctx, float32(n)), step(t, ctx, float32(-n)), n)
		if err != nil {
			t.Fatal(err)
		}

		if layer.Len() != n {
			t.Fatalf("expected %d entries, got %d", n, layer.Len())
		}

		if key.Dim(2) != n || value.Dim(2) != n {
			t.Errorf("expected views of length %d, got %d and %d", n, key.Dim(2), value.Dim(2))
		}
	}

	if c.Layers() != 2 {
		t.Errorf("expected 2 layers, got %d", c.Layers())
	}

	for k := 1; k <= 3; k++ {
		key, value, err := layer.View(ctx, k)
		if err != nil {
			t.Fatal(err)
		}

		var wantKeys, wantValues []float32
		for i := 1; i <= k; i++ {
			wantKeys = append(wantKeys, float32(i), float32(i))
			wantValues = append(wantValues, float32(-i), float32(-i))
		}

		if diff := cmp.Diff(wantKeys, key.Floats()); diff != "" {
			t.Errorf("view(%d) keys mismatch (-want +got):\n%s", k, diff)
		}

		if diff := cmp.Diff(wantValues, value.Floats()); diff != "" {
			t.Errorf("view(%d) values mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func TestCausalBounds(t *testing.T) {
	backend := newBackend(t)
	c := NewCausal(backend, ml.DTypeF32, 2)
	defer c.Close()

	ctx := backend.NewContext()
	defer ctx.Close()

	layer := c.Sub(0)
	if _, _, err := layer.View(ctx, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange from an empty layer, got %v", err)
	}

	for n := 1; n <= 2; n++ {
		if _, _, err := layer.Put(ctx, step(t, ctx, 1), step(t, ctx, 1), n); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := layer.Put(ctx, step(t, ctx, 1), step(t, ctx, 1), 3); !errors.Is(err, ErrCacheFull) {
		t.Errorf("expected ErrCacheFull, got %v", err)
	}

	if layer.Len() != 2 {
		t.Errorf("a rejected put must not advance the cursor, got %d", layer.Len())
	}

	c.Reset()
	if layer.Len() != 0 {
		t.Errorf("expected an empty layer after reset, got %d", layer.Len())
	}

	key, _, err := layer.Put(ctx, step(t, ctx, 9), step(t, ctx, 9), 1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float32{9, 9}, key.Floats()); diff != "" {
		t.Errorf("mismatch after reset (-want +got):\n%s", diff)
	}
}

func TestCausalDType(t *testing.T) {
	backend := newBackend(t)
	c := NewCausal(backend, ml.DTypeF16, 1)
	defer c.Close()

	ctx := backend.NewContext()
	defer ctx.Close()

	key, _, err := c.Sub(0).Put(ctx, step(t, ctx, 1.0/3), step(t, ctx, 0), 1)
	if err != nil {
		t.Fatal(err)
	}

	if key.DType() != ml.DTypeF16 {
		t.Errorf("expected float16 cache, got %v", key.DType())
	}

	if diff := cmp.Diff([]float32{0.33325195, 0.33325195}, key.Floats()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCross(t *testing.T) {
	backend := newBackend(t)
	c := NewCross(backend)
	defer c.Close()

	ctx := backend.NewContext()
	key, value := step(t, ctx, 1), step(t, ctx, 2)
	c.Append(ctx, Pair{Key: key, Value: value})

	// the cached pair is a copy, independent of the step context
	key.Copy(ctx, value)
	ctx.Close()

	if c.Len() != 1 {
		t.Fatalf("expected 1 layer, got %d", c.Len())
	}

	p, err := c.Layer(0)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float32{2, 2}, p.Value.Floats()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Layer(1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}
