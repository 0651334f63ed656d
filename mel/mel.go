// Package mel reads log-mel spectrogram feature files for transcription.
//
// Features are stored bin-major: the value of mel bin b at frame f is
// Data[b*Frames+f], which is the [num_mel_bins, frames] layout the encoder
// takes.
package mel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var ErrInvalidFeatures = errors.New("invalid mel features")

type Format int

const (
	// FormatAuto picks FormatCBOR for .cbor files and FormatRaw otherwise
	FormatAuto Format = iota
	FormatCBOR
	FormatRaw
)

func (f Format) String() string {
	switch f {
	case FormatCBOR:
		return "cbor"
	case FormatRaw:
		return "raw"
	default:
		return "auto"
	}
}

type Features struct {
	Bins   int       `cbor:"bins"`
	Frames int       `cbor:"frames"`
	Data   []float32 `cbor:"data"`
}

func (f *Features) validate() error {
	if f.Bins <= 0 || f.Frames <= 0 {
		return fmt.Errorf("%w: %d bins x %d frames", ErrInvalidFeatures, f.Bins, f.Frames)
	}

	if len(f.Data) != f.Bins*f.Frames {
		return fmt.Errorf("%w: %d values for %d bins x %d frames", ErrInvalidFeatures, len(f.Data), f.Bins, f.Frames)
	}

	return nil
}

// At returns the value of mel bin b at frame t
func (f *Features) At(b, t int) float32 {
	return f.Data[b*f.Frames+t]
}

// Pad returns features with exactly frames frames. Longer features are
// truncated; shorter ones are extended with their minimum value, which is
// the log-mel level of silence.
func (f *Features) Pad(frames int) *Features {
	if frames == f.Frames {
		return f
	}

	fill := slices.Min(f.Data)
	data := make([]float32, f.Bins*frames)
	for b := range f.Bins {
		row := data[b*frames : (b+1)*frames]
		n := copy(row, f.Data[b*f.Frames:b*f.Frames+min(f.Frames, frames)])
		for i := n; i < frames; i++ {
			row[i] = fill
		}
	}

	return &Features{Bins: f.Bins, Frames: frames, Data: data}
}

// Decode reads features from r. Raw input is little-endian float32 values
// and needs bins to know its shape; CBOR input carries its own.
func Decode(r io.Reader, format Format, bins int) (*Features, error) {
	var f Features
	switch format {
	case FormatCBOR:
		if err := cbor.NewDecoder(r).Decode(&f); err != nil {
			return nil, fmt.Errorf("cbor: %w", err)
		}
	case FormatRaw:
		bts, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}

		if bins <= 0 || len(bts)%(4*bins) != 0 {
			return nil, fmt.Errorf("%w: %d bytes is not a whole number of frames of %d bins", ErrInvalidFeatures, len(bts), bins)
		}

		f.Bins = bins
		f.Frames = len(bts) / 4 / bins
		f.Data = make([]float32, len(bts)/4)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, f.Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown format %v", format)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// ReadFile reads the features in path
func ReadFile(path string, format Format, bins int) (*Features, error) {
	if format == FormatAuto {
		format = FormatRaw
		if strings.EqualFold(filepath.Ext(path), ".cbor") {
			format = FormatCBOR
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	features, err := Decode(bufio.NewReader(f), format, bins)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return features, nil
}

// Encode writes f to w as a CBOR document
func Encode(w io.Writer, f *Features) error {
	if err := f.validate(); err != nil {
		return err
	}

	return cbor.NewEncoder(w).Encode(f)
}
