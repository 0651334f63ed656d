package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

func parseSafetensors(fsys fs.FS, _ string, replacer *strings.Replacer, ps ...string) ([]tensor, error) {
	var ts []tensor
	names := make(map[string]struct{})
	for _, p := range ps {
		headers, n, err := readSafetensorsHeader(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		keys := maps.Keys(headers)
		slices.Sort(keys)

		for _, key := range keys {
			value := headers[key]
			// __metadata__ has no dtype
			if value.Type == "" {
				continue
			}

			if len(value.Shape) == 0 || len(value.Offsets) != 2 {
				return nil, fmt.Errorf("unsupported safetensors tensor %s", key)
			}

			name := replacer.Replace(key)
			if _, ok := names[name]; ok {
				return nil, fmt.Errorf("duplicate tensor name '%s' was found for this model", name)
			}

			names[name] = struct{}{}
			ts = append(ts, safetensor{
				fs:     fsys,
				path:   p,
				dtype:  value.Type,
				offset: safetensorsPad(n, value.Offsets[0]),
				size:   value.Offsets[1] - value.Offsets[0],
				tensorBase: tensorBase{
					name:  name,
					shape: value.Shape,
				},
			})
		}
	}

	return ts, nil
}

func readSafetensorsHeader(fsys fs.FS, p string) (map[string]safetensorMetadata, int64, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, 0, err
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, 0, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, 0, err
	}

	return headers, n, nil
}

// safetensorsPad returns the absolute file offset of a tensor given the
// header length n and the tensor's offset into the data section
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

type safetensor struct {
	fs     fs.FS
	path   string
	dtype  string
	offset int64
	size   int64
	tensorBase
}

func (st safetensor) Floats() ([]float32, error) {
	f, err := st.fs.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(st.offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else {
		if _, err := io.CopyN(io.Discard, f, st.offset); err != nil {
			return nil, err
		}
	}

	var f32s []float32
	switch st.dtype {
	case "F32":
		f32s = make([]float32, st.size/4)
		if err = binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, st.size/2)
		if err = binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, st.size)
		if err = binary.Read(f, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("%s: %w: %s", st.name, errUnsupportedDType, st.dtype)
	}

	return f32s, nil
}

var errUnsupportedDType = errors.New("unsupported data type")
