package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	startOfText = "<|startoftext|>"
	endOfText   = "<|endoftext|>"
)

// Vocabulary is a CLIP byte level BPE vocabulary: token strings indexed by
// id and merge rules ordered by priority.
type Vocabulary struct {
	Values []string
	Merges []string

	BOS, EOS, PAD int32

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int32
}

func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	return v.Values[id]
}

// Merge returns the rank of the rule joining left and right, or -1.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int32, len(v.Merges))
		for i, merge := range v.Merges {
			v.merge[merge] = int32(i)
		}
	})

	if id, ok := v.merge[left+" "+right]; ok {
		return int(id)
	}

	return -1
}

func (v *Vocabulary) special(s string) bool {
	id := v.Encode(s)
	return id >= 0 && (id == v.BOS || id == v.EOS)
}

type tokenizerConfig struct {
	PadToken json.RawMessage `json:"pad_token"`
}

// padToken accepts both the plain string and the AddedToken object forms.
func (c tokenizerConfig) padToken() (string, error) {
	if len(c.PadToken) == 0 || string(c.PadToken) == "null" {
		return endOfText, nil
	}

	var s string
	if err := json.Unmarshal(c.PadToken, &s); err == nil {
		return s, nil
	}

	var added struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(c.PadToken, &added); err != nil {
		return "", fmt.Errorf("pad_token: %w", err)
	}

	return added.Content, nil
}

func readVocab(p string) ([]string, error) {
	bts, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	var ids map[string]int32
	if err := json.Unmarshal(bts, &ids); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}

	values := make([]string, len(ids))
	seen := make([]bool, len(ids))
	for s, id := range ids {
		if id < 0 || int(id) >= len(values) || seen[id] {
			return nil, fmt.Errorf("%s: token ids are not dense at %q (%d)", p, s, id)
		}
		values[id] = s
		seen[id] = true
	}

	return values, nil
}

func readMerges(r io.Reader) ([]string, error) {
	var merges []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}

		if len(strings.Fields(line)) != 2 {
			return nil, fmt.Errorf("invalid merge %q", line)
		}
		merges = append(merges, line)
	}

	return merges, scanner.Err()
}

// LoadVocabulary reads vocab.json, merges.txt and the optional
// tokenizer_config.json from dir.
func LoadVocabulary(dir string) (*Vocabulary, error) {
	values, err := readVocab(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	merges, err := readMerges(f)
	if err != nil {
		return nil, fmt.Errorf("merges.txt: %w", err)
	}

	var cfg tokenizerConfig
	switch bts, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(bts, &cfg); err != nil {
			return nil, fmt.Errorf("tokenizer_config.json: %w", err)
		}
	}

	pad, err := cfg.padToken()
	if err != nil {
		return nil, err
	}

	v := &Vocabulary{Values: values, Merges: merges}
	for _, tt := range []struct {
		s  string
		id *int32
	}{
		{startOfText, &v.BOS},
		{endOfText, &v.EOS},
		{pad, &v.PAD},
	} {
		if *tt.id = v.Encode(tt.s); *tt.id < 0 {
			return nil, fmt.Errorf("vocabulary has no %q token", tt.s)
		}
	}

	return v, nil
}
