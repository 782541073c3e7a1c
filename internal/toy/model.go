// Package toy provides a tiny deterministic language model and tokenizer.
// They stand in for real checkpoints wherever a test needs predictable logits
// without downloading weights.
package toy

import (
	"fmt"
	"strings"

	"github.com/samcharles93/perplex/internal/tensor"
)

// ToyLM is a bigram model: the logits for the next token depend only on the
// token just fed. It keeps a position counter so it honours the same
// incremental contract as a real causal model.
type ToyLM struct {
	Vocab  int
	Hidden int

	Emb  tensor.Mat // [Vocab x Hidden]
	W    tensor.Mat // [Hidden x Vocab]
	Bias []float32  // [Vocab]

	pos int
}

// NewToyLM fills the embedding and projection from seed. The same seed always
// yields the same model.
func NewToyLM(vocab, hidden int, seed int64) *ToyLM {
	m := &ToyLM{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    tensor.NewMat(vocab, hidden),
		W:      tensor.NewMat(hidden, vocab),
		Bias:   make([]float32, vocab),
	}
	tensor.FillRand(&m.Emb, seed+11, 2)
	tensor.FillRand(&m.W, seed+23, 2)
	return m
}

// ForwardToken returns a fresh logits slice predicting the token after tok.
func (m *ToyLM) ForwardToken(tok int) ([]float32, error) {
	if tok < 0 || tok >= m.Vocab {
		return nil, fmt.Errorf("token %d out of range [0,%d)", tok, m.Vocab)
	}
	logits := make([]float32, m.Vocab)
	tensor.VecMat(logits, m.Emb.Row(tok), &m.W, m.Bias)
	m.pos++
	return logits, nil
}

func (m *ToyLM) Reset() { m.pos = 0 }

// Position is the number of tokens fed since the last Reset.
func (m *ToyLM) Position() int { return m.pos }

func (m *ToyLM) Close() error { return nil }

// WordTokenizer maps whitespace-separated words to ids. Id 0 is reserved for
// words outside the vocabulary.
type WordTokenizer struct {
	words []string
	ids   map[string]int
}

const Unknown = "<unk>"

func NewWordTokenizer(words ...string) *WordTokenizer {
	t := &WordTokenizer{
		words: []string{Unknown},
		ids:   map[string]int{Unknown: 0},
	}
	for _, w := range words {
		if _, ok := t.ids[w]; ok {
			continue
		}
		t.ids[w] = len(t.words)
		t.words = append(t.words, w)
	}
	return t
}

func (t *WordTokenizer) VocabSize() int { return len(t.words) }

func (t *WordTokenizer) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, t.ids[f])
	}
	return ids, nil
}

// Decode renders every word with a leading space, the way byte-level BPE
// vocabularies spell word-initial tokens.
func (t *WordTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.words) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		b.WriteByte(' ')
		b.WriteString(t.words[id])
	}
	return b.String(), nil
}

// New returns a matched tokenizer and model sized to the given words.
func New(seed int64, words ...string) (*WordTokenizer, *ToyLM) {
	tok := NewWordTokenizer(words...)
	return tok, NewToyLM(tok.VocabSize(), 8, seed)
}
