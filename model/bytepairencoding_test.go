package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testBytePairEncoding(t *testing.T) BytePairEncoding {
	t.Helper()
	return NewBytePairEncoding(&Vocabulary{
		Values: []string{
			"<|endoftext|>", "h", "e", "l", "o", "he", "ll", "hell", "hello",
			"Ġ", "w", "r", "d", "Ġw", "or", "ld", "Ġwor", "<|en|>",
		},
		Types: []int32{
			TOKEN_TYPE_CONTROL, 1, 1, 1, 1, 1, 1, 1, 1,
			1, 1, 1, 1, 1, 1, 1, 1, TOKEN_TYPE_CONTROL,
		},
		Merges: []string{"h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "l d", "Ġwor ld"},
		EOS:    []int32{0},
	})
}

func TestBytePairEncoding(t *testing.T) {
	bpe := testBytePairEncoding(t)

	cases := []struct {
		text string
		ids  []int32
	}{
		{"hello", []int32{8}},
		// "Ġworld" is not in the vocabulary so the last merge is skipped
		{" world", []int32{16, 15}},
		{"<|en|>hello world", []int32{17, 8, 16, 15}},
		{"hello<|endoftext|>", []int32{8, 0}},
	}

	for _, tt := range cases {
		t.Run(tt.text, func(t *testing.T) {
			ids, err := bpe.Encode(tt.text)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.ids, ids); diff != "" {
				t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
			}

			text, err := bpe.Decode(ids)
			if err != nil {
				t.Fatal(err)
			}

			if text != tt.text {
				t.Errorf("Decode() = %q, want %q", text, tt.text)
			}
		})
	}
}

func TestBytePairEncodingDecodeOutOfRange(t *testing.T) {
	bpe := testBytePairEncoding(t)
	if _, err := bpe.Decode([]int32{99}); err == nil {
		t.Error("expected an error for an unknown id")
	}
}

func TestVocabularySpecial(t *testing.T) {
	v := testBytePairEncoding(t).Vocabulary()

	if !v.Is(0, SpecialEOS) || v.Is(1, SpecialEOS) {
		t.Error("unexpected EOS classification")
	}

	if !v.IsControl(17) || v.IsControl(8) || v.IsControl(-1) {
		t.Error("unexpected control classification")
	}

	if diff := cmp.Diff([]string{"<|endoftext|>", "<|en|>"}, v.SpecialVocabulary()); diff != "" {
		t.Errorf("SpecialVocabulary() mismatch (-want +got):\n%s", diff)
	}
}
