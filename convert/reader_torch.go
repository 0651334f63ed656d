package convert

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func parseTorch(_ fs.FS, dir string, replacer *strings.Replacer, ps ...string) ([]tensor, error) {
	var ts []tensor
	for _, p := range ps {
		pt, err := pytorch.Load(filepath.Join(dir, p))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: expected a state dict, got %T", p, pt)
		}

		for _, k := range dict.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}

			t, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok || len(t.Size) == 0 {
				continue
			}

			var shape []uint64
			for _, dim := range t.Size {
				shape = append(shape, uint64(dim))
			}

			ts = append(ts, torch{
				storage: t.Source,
				offset:  t.StorageOffset,
				tensorBase: tensorBase{
					name:  replacer.Replace(name),
					shape: shape,
				},
			})
		}
	}

	return ts, nil
}

type torch struct {
	storage pytorch.StorageInterface
	offset  int
	tensorBase
}

func (pt torch) Floats() ([]float32, error) {
	var f32s []float32
	switch s := pt.storage.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	default:
		return nil, fmt.Errorf("%s: %w: %T", pt.name, errUnsupportedDType, s)
	}

	n := 1
	for _, d := range pt.shape {
		n *= int(d)
	}

	if pt.offset+n > len(f32s) {
		return nil, fmt.Errorf("%s: storage holds %d elements, need %d at offset %d", pt.name, len(f32s), n, pt.offset)
	}

	return f32s[pt.offset : pt.offset+n], nil
}
