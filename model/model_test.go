package model

import (
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/ml/nn"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		value string
		want  Tag
	}{
		{
			value: "output",
			want: Tag{
				Name: "output",
			},
		},
		{
			value: "output,alt:dec.token_embd",
			want: Tag{
				Name: "output",
				Alternate: []string{
					"dec.token_embd",
				},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			got := ParseTags(tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseTags() returned unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeBackend struct {
	kv    fs.KV
	names []string
}

func (m *fakeBackend) Config() fs.Config {
	return m.kv
}

func (m *fakeBackend) Get(name string) ml.Tensor {
	if slices.Contains(m.names, name) {
		return &fakeTensor{Name: name}
	}

	return nil
}

func (m *fakeBackend) NewContext() ml.Context {
	panic("unimplemented")
}

func (m *fakeBackend) Close() {}

type fakeTensor struct {
	ml.Tensor
	Name string
}

type fakeLayer struct {
	Query  *nn.Linear `gguf:"attn_q"`
	Key    *nn.Linear `gguf:"attn_k"`
	Value  *nn.Linear `gguf:"attn_v"`
	Output *nn.Linear `gguf:"attn_output"`
}

type fakeModel struct {
	Base

	Input      *nn.Embedding `gguf:"input"`
	OutputNorm *nn.LayerNorm `gguf:"output_norm"`
	Output     *nn.Linear    `gguf:"output"`
	Layers     [2]fakeLayer  `gguf:"blk"`
}

var fakeNames = []string{
	"input.weight",
	"blk.0.attn_q.weight",
	"blk.0.attn_k.weight",
	"blk.0.attn_v.weight",
	"blk.1.attn_q.weight",
	"blk.1.attn_q.bias",
	"blk.1.attn_k.weight",
	"blk.1.attn_v.weight",
	"output_norm.weight",
	"output.weight",
}

func TestPopulateFields(t *testing.T) {
	var m fakeModel
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{names: fakeNames}}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		Input:      &nn.Embedding{Weight: &fakeTensor{Name: "input.weight"}},
		OutputNorm: &nn.LayerNorm{Weight: &fakeTensor{Name: "output_norm.weight"}},
		Output:     &nn.Linear{Weight: &fakeTensor{Name: "output.weight"}},
		Layers: [2]fakeLayer{
			{
				Query: &nn.Linear{Weight: &fakeTensor{Name: "blk.0.attn_q.weight"}},
				Key:   &nn.Linear{Weight: &fakeTensor{Name: "blk.0.attn_k.weight"}},
				Value: &nn.Linear{Weight: &fakeTensor{Name: "blk.0.attn_v.weight"}},
			},
			{
				Query: &nn.Linear{Weight: &fakeTensor{Name: "blk.1.attn_q.weight"}, Bias: &fakeTensor{Name: "blk.1.attn_q.bias"}},
				Key:   &nn.Linear{Weight: &fakeTensor{Name: "blk.1.attn_k.weight"}},
				Value: &nn.Linear{Weight: &fakeTensor{Name: "blk.1.attn_v.weight"}},
			},
		},
	}, m, cmpopts.IgnoreUnexported(Base{})); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestPopulateFieldsAlternateName(t *testing.T) {
	type fakeModel struct {
		Input  *nn.Embedding `gguf:"dec.token_embd"`
		Output *nn.Linear    `gguf:"output,alt:dec.token_embd"`
	}

	m := fakeModel{}
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"dec.token_embd.weight",
		},
	}}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		Input:  &nn.Embedding{Weight: &fakeTensor{Name: "dec.token_embd.weight"}},
		Output: &nn.Linear{Weight: &fakeTensor{Name: "dec.token_embd.weight"}},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestParameters(t *testing.T) {
	var m fakeModel
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{names: fakeNames}}, v.Elem()))

	params := Parameters(&m)

	var got []string
	for _, p := range params {
		got = append(got, p.Name)
		if p.Tensor.(*fakeTensor).Name != p.Name {
			t.Errorf("parameter %s holds tensor %s", p.Name, p.Tensor.(*fakeTensor).Name)
		}
	}

	if diff := cmp.Diff([]string{
		"input.weight",
		"output_norm.weight",
		"output.weight",
		"blk.0.attn_q.weight",
		"blk.0.attn_k.weight",
		"blk.0.attn_v.weight",
		"blk.1.attn_q.weight",
		"blk.1.attn_q.bias",
		"blk.1.attn_k.weight",
		"blk.1.attn_v.weight",
	}, got); diff != "" {
		t.Errorf("Parameters() returned unexpected names (-want +got):\n%s", diff)
	}

	params[0].Set(&fakeTensor{Name: "replaced"})
	if name := m.Input.Weight.(*fakeTensor).Name; name != "replaced" {
		t.Errorf("Set() did not replace the field, got %s", name)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(&fakeBackend{kv: fs.KV{"general.architecture": "unknown"}}); err == nil {
		t.Error("expected error")
	} else if !strings.Contains(err.Error(), "unsupported model architecture") {
		t.Errorf("unexpected error: %v", err)
	}

	models["fake"] = func(fs.Config) (Model, error) {
		return &fakeModel{}, nil
	}
	t.Cleanup(func() { delete(models, "fake") })

	m, err := New(&fakeBackend{kv: fs.KV{"general.architecture": "fake"}, names: fakeNames})
	if err != nil {
		t.Fatal(err)
	}

	fm := m.(*fakeModel)
	if fm.Backend() == nil {
		t.Error("expected the backend to be bound")
	}

	if fm.Output == nil || fm.Output.Weight.(*fakeTensor).Name != "output.weight" {
		t.Errorf("unexpected output layer %v", fm.Output)
	}
}
