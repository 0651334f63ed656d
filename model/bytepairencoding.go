package model

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/jmorganca/whisper/logutil"
)

type TextProcessor interface {
	Encode(s string) ([]int32, error)
	Decode([]int32) (string, error)
	Is(int32, Special) bool
	Vocabulary() *Vocabulary
}

// BytePairEncoding is a byte-level BPE text processor
type BytePairEncoding struct {
	vocab   *Vocabulary
	regexps []*regexp2.Regexp
}

var _ TextProcessor = (*BytePairEncoding)(nil)

func NewBytePairEncoding(vocab *Vocabulary, pretokenizers ...string) BytePairEncoding {
	if len(pretokenizers) == 0 {
		// GPT-2 byte-level pretokenizer
		pretokenizers = []string{`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`}
	}

	regexps := make([]*regexp2.Regexp, len(pretokenizers))
	for i, p := range pretokenizers {
		regexps[i] = regexp2.MustCompile(p, regexp2.RE2)
	}

	return BytePairEncoding{vocab: vocab, regexps: regexps}
}

func (bpe BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

func (bpe BytePairEncoding) Is(id int32, special Special) bool {
	return bpe.vocab.Is(id, special)
}

// split applies each pretokenizer in turn, keeping unmatched text as its own
// piece
func (bpe BytePairEncoding) split(s string) iter.Seq[string] {
	parts := []string{s}
	for _, re := range bpe.regexps {
		var next []string
		for _, part := range parts {
			r := []rune(part)

			var offset int
			for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
				if m.Index > offset {
					next = append(next, string(r[offset:m.Index]))
				}

				next = append(next, m.String())
				offset = m.Index + m.Length
			}

			if offset < len(r) {
				next = append(next, string(r[offset:]))
			}
		}

		parts = next
	}

	return slices.Values(parts)
}

// fragment is a piece of the input and, once resolved, its token ids
type fragment struct {
	value string
	ids   []int32
}

// specials splits s around every special token in the vocabulary
func (bpe BytePairEncoding) specials(s string) []fragment {
	fragments := []fragment{{value: s}}
	for _, special := range bpe.vocab.SpecialVocabulary() {
		id := bpe.vocab.Encode(special)

		var next []fragment
		for _, frag := range fragments {
			if len(frag.ids) > 0 {
				next = append(next, frag)
				continue
			}

			rest := frag.value
			for {
				before, after, found := strings.Cut(rest, special)
				if before != "" {
					next = append(next, fragment{value: before})
				}

				if !found {
					break
				}

				next = append(next, fragment{value: special, ids: []int32{id}})
				rest = after
			}
		}

		fragments = next
	}

	return fragments
}

// byteRune maps a byte to the printable rune that stands for it in a
// byte-level vocabulary
func byteRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		return 0x0143
	case r <= 0x0020:
		return r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		return r + 0x00a2
	default:
		return r
	}
}

// runeByte is the inverse of byteRune. ok is false for runes that encode no
// byte.
func runeByte(r rune) (b byte, ok bool) {
	switch {
	case r == 0x0100:
		// this produces 0x00 aka NULL
		return 0, false
	case r == 0x0143:
		r = 0x00ad
	case r > 0x0100 && r <= 0x0120:
		r = r - 0x0100
	case r > 0x0120 && r <= 0x0142:
		r = r - 0x00a2
	}

	return byte(r), true
}

// pair is two adjacent symbols and their merge rank
type pair struct {
	a, b  int
	rank  int
	value string
}

// symbol is a node in the doubly linked list of symbols being merged
type symbol struct {
	p, n  int
	runes []rune
}

// merge applies the vocabulary merges to word, lowest rank first
func (bpe BytePairEncoding) merge(word string) []int32 {
	runes := []rune(word)
	symbols := make([]symbol, len(runes))
	for i := range runes {
		symbols[i] = symbol{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(symbols[a].runes), string(symbols[b].runes)
		rank := bpe.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})

	for i := range len(runes) - 1 {
		if p := pairwise(i, i+1); p != nil {
			pairs.Push(p)
		}
	}

	for !pairs.Empty() {
		p, _ := pairs.Pop()

		left, right := symbols[p.a], symbols[p.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != p.value ||
			bpe.vocab.Encode(p.value) < 0 {
			// stale pair
			continue
		}

		symbols[p.a].runes = append(left.runes, right.runes...)
		symbols[p.b].runes = nil

		symbols[p.a].n = right.n
		if right.n < len(symbols) {
			symbols[right.n].p = p.a
		}

		if q := pairwise(symbols[p.a].p, p.a); q != nil {
			pairs.Push(q)
		}

		if q := pairwise(p.a, symbols[p.a].n); q != nil {
			pairs.Push(q)
		}
	}

	var ids []int32
	for _, s := range symbols {
		if len(s.runes) == 0 {
			continue
		}

		if id := bpe.vocab.Encode(string(s.runes)); id >= 0 {
			ids = append(ids, id)
			continue
		}

		// fall back to single runes, dropping any the vocabulary lacks
		for _, r := range s.runes {
			if id := bpe.vocab.Encode(string(r)); id >= 0 {
				ids = append(ids, id)
			} else {
				slog.Debug("dropping unknown symbol", "rune", string(r))
			}
		}
	}

	return ids
}

func (bpe BytePairEncoding) Encode(s string) ([]int32, error) {
	var ids []int32
	for _, frag := range bpe.specials(s) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for split := range bpe.split(frag.value) {
			var sb strings.Builder
			for _, b := range []byte(split) {
				sb.WriteRune(byteRune(b))
			}

			// short circuit if the piece is in the vocabulary
			if id := bpe.vocab.Encode(sb.String()); id >= 0 {
				ids = append(ids, id)
				continue
			}

			ids = append(ids, bpe.merge(sb.String())...)
		}
	}

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids, nil
}

type lazyIdsString struct {
	ids []int32
}

func (l lazyIdsString) LogValue() slog.Value {
	return slog.AnyValue(fmt.Sprint(l.ids))
}

func (bpe BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		value, err := bpe.vocab.Decode(id)
		if err != nil {
			return "", err
		}

		for _, r := range value {
			if b, ok := runeByte(r); ok {
				// NOTE: not using WriteRune here because it writes the UTF-8
				// encoding of the rune which is _not_ what we want
				sb.WriteByte(b)
			}
		}
	}

	logutil.Trace("decoded", "string", sb.String(), "from", lazyIdsString{ids: ids})
	return sb.String(), nil
}
