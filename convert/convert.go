// Package convert loads Hugging Face whisper checkpoints into an in-memory
// model container.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	mfs "github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/model/whisper"
)

type ModelParameters struct {
	Architectures []string `json:"architectures"`
	VocabSize     uint32   `json:"vocab_size"`
}

type ModelConverter interface {
	// KV maps parameters to model key-values
	KV(*Tokenizer) mfs.KV
	// Replacements returns a list of string pairs to replace in tensor names.
	// See [strings.Replacer](https://pkg.go.dev/strings#Replacer) for details
	Replacements() []string
}

type moreParser interface {
	parseMore(fs.FS) error
}

var ErrUnsupportedArchitecture = errors.New("unsupported architecture")

// ConvertModel reads config.json, the tokenizer files and the checkpoint
// tensors of the model in dir and checks every parameter against the shapes
// the architecture expects.
func ConvertModel(dir string) (*mfs.Model, error) {
	fsys := os.DirFS(dir)

	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return nil, err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, err
	}

	if len(p.Architectures) < 1 {
		return nil, errors.New("unknown architecture")
	}

	var conv ModelConverter
	switch p.Architectures[0] {
	case "WhisperForConditionalGeneration":
		conv = &whisperModel{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, p.Architectures[0])
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return nil, err
	}

	if t, ok := conv.(moreParser); ok {
		if err := t.parseMore(fsys); err != nil {
			return nil, err
		}
	}

	t, err := parseTokenizer(fsys)
	if err != nil {
		return nil, err
	}

	vocabSize := int(p.VocabSize)
	switch {
	case vocabSize > len(t.Vocabulary.Tokens):
		slog.Warn("vocabulary is smaller than expected, padding with dummy tokens", "expect", vocabSize, "actual", len(t.Vocabulary.Tokens))
		for i := range vocabSize - len(t.Vocabulary.Tokens) {
			t.Vocabulary.Tokens = append(t.Vocabulary.Tokens, fmt.Sprintf("[PAD%d]", i))
			t.Vocabulary.Types = append(t.Vocabulary.Types, tokenTypeUserDefined)
		}
	case vocabSize < len(t.Vocabulary.Tokens):
		return nil, fmt.Errorf("vocabulary is larger than expected '%d' instead of '%d'", len(t.Vocabulary.Tokens), vocabSize)
	default:
		slog.Debug("vocabulary", "size", len(t.Vocabulary.Tokens))
	}

	ts, err := parseTensors(fsys, dir, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return nil, err
	}

	kv := conv.KV(t)
	tensors, err := checkTensors(kv, ts)
	if err != nil {
		return nil, err
	}

	return &mfs.Model{KV: kv, Tensors: tensors}, nil
}

// checkTensors matches the converted tensors against the parameters the
// model expects. Missing or misshapen parameters are errors, unknown
// tensors are dropped.
func checkTensors(kv mfs.KV, ts []tensor) ([]mfs.Tensor, error) {
	config, err := whisper.NewConfig(kv)
	if err != nil {
		return nil, err
	}

	shapes := config.ParameterShapes()
	// the output projection is optional and tied to the token embedding
	shapes["output.weight"] = shapes["dec.token_embd.weight"]

	var tensors []mfs.Tensor
	found := make(map[string]bool)
	for _, t := range ts {
		want, ok := shapes[t.Name()]
		if !ok {
			slog.Warn("dropping unknown tensor", "name", t.Name(), "shape", t.Shape())
			continue
		}

		got := make([]int, len(t.Shape()))
		for i, d := range t.Shape() {
			got[i] = int(d)
		}

		if !slices.Equal(want, got) {
			return nil, fmt.Errorf("tensor %s: expected shape %v, got %v", t.Name(), want, got)
		}

		found[t.Name()] = true
		tensors = append(tensors, t)
	}

	for _, name := range config.ParameterNames() {
		if !found[name] {
			return nil, fmt.Errorf("missing tensor %s", name)
		}
	}

	return tensors, nil
}
