// Package tokenizer implements the CLIP byte level BPE tokenizer used to
// condition the denoiser on text prompts.
package tokenizer

import (
	"cmp"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"golang.org/x/text/unicode/norm"

	"github.com/ollama/vidgen/logutil"
)

// MaxLength is the context length of the CLIP text encoder.
const MaxLength = 77

const endOfWord = "</w>"

var pretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

type Tokenizer struct {
	vocab *Vocabulary
	re    *regexp2.Regexp
}

func New(vocab *Vocabulary) *Tokenizer {
	return &Tokenizer{
		vocab: vocab,
		re:    regexp2.MustCompile(pretokenizer, regexp2.IgnoreCase),
	}
}

// Load reads a tokenizer directory in the Hugging Face CLIPTokenizer
// layout.
func Load(dir string) (*Tokenizer, error) {
	vocab, err := LoadVocabulary(dir)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}

	slog.Debug("tokenizer", "dir", dir, "vocab", len(vocab.Values), "merges", len(vocab.Merges))
	return New(vocab), nil
}

func (t *Tokenizer) Vocabulary() *Vocabulary {
	return t.vocab
}

// MaxLength is the padded length of every tokenized prompt. It is fixed by
// the text encoder and ignores model_max_length.
func (t *Tokenizer) MaxLength() int {
	return MaxLength
}

// clean unescapes HTML entities, collapses whitespace and lowercases.
func clean(s string) string {
	s = html.UnescapeString(html.UnescapeString(s))
	s = norm.NFC.String(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (t *Tokenizer) split(s string) []string {
	var words []string
	r := []rune(s)
	for m, _ := t.re.FindRunesMatch(r); m != nil; m, _ = t.re.FindNextMatch(m) {
		words = append(words, m.String())
	}
	return words
}

// encodeBytes maps each byte of s to a printable rune so that every byte
// sequence has a text form in the vocabulary.
func encodeBytes(s string) []string {
	units := make([]string, 0, len(s))
	for _, b := range []byte(s) {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}

		units = append(units, string(r))
	}
	return units
}

type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	value string
}

// bpe merges the byte units of one word, lowest rank first and leftmost
// on ties.
func (t *Tokenizer) bpe(word string) []int32 {
	units := encodeBytes(word)
	units[len(units)-1] += endOfWord

	if id := t.vocab.Encode(strings.Join(units, "")); id >= 0 {
		return []int32{id}
	}

	merges := make([]merge, len(units))
	for i, u := range units {
		merges[i] = merge{p: i - 1, n: i + 1, value: u}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(merges) {
			return nil
		}

		left, right := merges[a].value, merges[b].value
		rank := t.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Or(cmp.Compare(i.rank, j.rank), cmp.Compare(i.a, j.a))
	})

	for i := range len(merges) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := merges[pair.a], merges[pair.b]
		if left.value == "" || right.value == "" || left.n != pair.b || left.value+right.value != pair.value {
			continue
		}

		merges[pair.a].value = pair.value
		merges[pair.b].value = ""

		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, m := range merges {
		if m.value == "" {
			continue
		}

		if id := t.vocab.Encode(m.value); id >= 0 {
			ids = append(ids, id)
		} else {
			slog.Warn("token not in vocabulary", "word", word, "piece", m.value)
		}
	}

	return ids
}

// Encode returns the ids for s without start and end tokens.
func (t *Tokenizer) Encode(s string) []int32 {
	var ids []int32
	for _, word := range t.split(clean(s)) {
		if t.vocab.special(word) {
			ids = append(ids, t.vocab.Encode(word))
			continue
		}

		ids = append(ids, t.bpe(word)...)
	}

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids
}

// Tokenize encodes every prompt to exactly MaxLength ids: the start token,
// the prompt truncated to fit, the end token, then padding.
func (t *Tokenizer) Tokenize(prompts []string) [][]int32 {
	batch := make([][]int32, len(prompts))
	for i, prompt := range prompts {
		ids := make([]int32, 0, MaxLength)
		ids = append(ids, t.vocab.BOS)

		content := t.Encode(prompt)
		if n := MaxLength - 2; len(content) > n {
			slog.Debug("truncating prompt", "tokens", len(content), "max", n)
			content = content[:n]
		}

		ids = append(ids, content...)
		ids = append(ids, t.vocab.EOS)
		for len(ids) < MaxLength {
			ids = append(ids, t.vocab.PAD)
		}

		batch[i] = ids
	}

	return batch
}

// Decode reverses Encode up to text cleaning. Decoding stops at the first
// end token.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.vocab.EOS {
			break
		}

		if id == t.vocab.BOS {
			continue
		}

		for _, r := range t.vocab.Decode(id) {
			switch {
			case r == 0x0143:
				r = 0x00ad
			case r >= 0x0100 && r <= 0x0120:
				r = r - 0x0100
			case r > 0x0120 && r <= 0x0142:
				r = r - 0x00a2
			}

			sb.WriteByte(byte(r))
		}
	}

	s := strings.ReplaceAll(sb.String(), endOfWord, " ")
	return strings.TrimSpace(s)
}
