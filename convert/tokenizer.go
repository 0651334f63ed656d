package convert

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
)

const (
	_ int32 = iota
	tokenTypeNormal
	tokenTypeUnknown
	tokenTypeControl
	tokenTypeUserDefined
	tokenTypeUnused
	tokenTypeByte
)

type Tokenizer struct {
	*Vocabulary
	Merges []string
}

type Vocabulary struct {
	Model  string
	Tokens []string
	Types  []int32
}

type token struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	Special     bool   `json:"special"`
	UserDefined bool
}

type tokenizer struct {
	AddedTokens []token `json:"added_tokens"`
	Model       struct {
		Type   string          `json:"type"`
		Vocab  map[string]int  `json:"vocab"`
		Merges json.RawMessage `json:"merges"`
	} `json:"model"`
}

// parseTokenizer reads a byte-level BPE vocabulary from tokenizer.json or,
// when that is missing, from vocab.json, merges.txt and added_tokens.json
func parseTokenizer(fsys fs.FS) (*Tokenizer, error) {
	if _, err := fs.Stat(fsys, "tokenizer.json"); err == nil {
		return parseTokenizerJSON(fsys)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := fs.Stat(fsys, "vocab.json"); err == nil {
		return parseVocabMerges(fsys)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return nil, errors.New("unknown tokenizer format")
}

func parseTokenizerJSON(fsys fs.FS) (*Tokenizer, error) {
	f, err := fsys.Open("tokenizer.json")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tt tokenizer
	if err := json.NewDecoder(f).Decode(&tt); err != nil {
		return nil, err
	}

	t := &Tokenizer{Vocabulary: newVocabulary(tt.Model.Vocab, tt.AddedTokens)}

	if len(tt.Model.Merges) == 0 {
		// noop; merges is empty
	} else if err := json.Unmarshal(tt.Model.Merges, &t.Merges); err == nil {
		// noop; merges is []string
	} else if merges, err := func() ([][]string, error) {
		var merges [][]string
		if err := json.Unmarshal(tt.Model.Merges, &merges); err != nil {
			return nil, err
		}

		return merges, nil
	}(); err == nil {
		t.Merges = make([]string, len(merges))
		for i := range merges {
			t.Merges[i] = strings.Join(merges[i], " ")
		}
	} else {
		return nil, fmt.Errorf("could not parse tokenizer merges. expected []string or [][]string: %w", err)
	}

	return t, nil
}

func parseVocabMerges(fsys fs.FS) (*Tokenizer, error) {
	bts, err := fs.ReadFile(fsys, "vocab.json")
	if err != nil {
		return nil, err
	}

	var vocab map[string]int
	if err := json.Unmarshal(bts, &vocab); err != nil {
		return nil, fmt.Errorf("vocab.json: %w", err)
	}

	var added []token
	if bts, err := fs.ReadFile(fsys, "added_tokens.json"); errors.Is(err, os.ErrNotExist) {
		// noop
	} else if err != nil {
		return nil, err
	} else {
		var m map[string]int
		if err := json.Unmarshal(bts, &m); err != nil {
			return nil, fmt.Errorf("added_tokens.json: %w", err)
		}

		for content, id := range m {
			added = append(added, token{
				ID:      id,
				Content: content,
				Special: strings.HasPrefix(content, "<|") && strings.HasSuffix(content, "|>"),
			})
		}
	}

	t := &Tokenizer{Vocabulary: newVocabulary(vocab, added)}

	if f, err := fsys.Open("merges.txt"); errors.Is(err, os.ErrNotExist) {
		// noop
	} else if err != nil {
		return nil, err
	} else {
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "#version") {
				continue
			}

			t.Merges = append(t.Merges, line)
		}

		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("merges.txt: %w", err)
		}
	}

	return t, nil
}

func newVocabulary(vocab map[string]int, added []token) *Vocabulary {
	tokens := make(map[int]token, len(vocab))
	for k, v := range vocab {
		tokens[v] = token{
			ID:      v,
			Content: k,
		}
	}

	for _, token := range added {
		token.UserDefined = true
		tokens[token.ID] = token
	}

	v := Vocabulary{Model: "gpt2"}
	for _, k := range slices.Sorted(maps.Keys(tokens)) {
		token := tokens[k]
		v.Tokens = append(v.Tokens, token.Content)

		switch {
		case token.Special:
			v.Types = append(v.Types, tokenTypeControl)
		case token.UserDefined:
			v.Types = append(v.Types, tokenTypeUserDefined)
		default:
			v.Types = append(v.Types, tokenTypeNormal)
		}
	}

	return &v
}
