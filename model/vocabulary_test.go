package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVocabulary(t *testing.T) {
	vocab := &Vocabulary{
		Values: []string{"<|endoftext|>", "<|startoftranscript|>", "<|en|>", "Ġhello", "<|notimestamps|>"},
		Types:  []int32{TOKEN_TYPE_CONTROL, TOKEN_TYPE_CONTROL, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_NORMAL, TOKEN_TYPE_CONTROL},
		BOS:    []int32{1},
		EOS:    []int32{0},
	}

	if diff := cmp.Diff([]string{"<|endoftext|>", "<|startoftranscript|>", "<|en|>", "<|notimestamps|>"}, vocab.SpecialVocabulary()); diff != "" {
		t.Errorf("SpecialVocabulary() mismatch (-want +got):\n%s", diff)
	}

	for id, want := range map[int32]bool{-1: false, 0: true, 2: true, 3: false, 5: false} {
		if got := vocab.IsControl(id); got != want {
			t.Errorf("IsControl(%d) = %v, want %v", id, got, want)
		}
	}

	if !vocab.Is(1, SpecialBOS) || vocab.Is(1, SpecialEOS) || !vocab.Is(0, SpecialEOS) {
		t.Error("unexpected BOS/EOS membership")
	}

	if id := vocab.Encode("<|en|>"); id != 2 {
		t.Errorf("Encode(<|en|>) = %d, want 2", id)
	}

	if id := vocab.Encode("missing"); id != -1 {
		t.Errorf("Encode(missing) = %d, want -1", id)
	}

	if s, err := vocab.Decode(3); err != nil || s != "Ġhello" {
		t.Errorf("Decode(3) = %q, %v", s, err)
	}

	if _, err := vocab.Decode(5); err == nil {
		t.Error("expected an out of range error")
	}
}
