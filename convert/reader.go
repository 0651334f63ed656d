package convert

import (
	"errors"
	"io/fs"
	"slices"
	"strings"
)

// tensor is a source tensor read lazily from a checkpoint file
type tensor interface {
	Name() string
	Shape() []uint64
	Floats() ([]float32, error)
}

// tensorBase is the name and shape of a source tensor. shape is row-major as
// stored by PyTorch; Shape reports it innermost dimension first.
type tensorBase struct {
	name  string
	shape []uint64
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	shape := slices.Clone(t.shape)
	slices.Reverse(shape)
	return shape
}

func parseTensors(fsys fs.FS, dir string, replacer *strings.Replacer) ([]tensor, error) {
	patterns := []struct {
		Pattern string
		Func    func(fs.FS, string, *strings.Replacer, ...string) ([]tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"pytorch_model-*-of-*.bin", parseTorch},
		{"pytorch_model.bin", parseTorch},
	}

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern.Pattern)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return pattern.Func(fsys, dir, replacer, matches...)
		}
	}

	return nil, errors.New("unknown tensor format")
}
