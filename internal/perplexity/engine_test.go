package perplexity

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/perplex/internal/toy"
)

type scriptedTokenizer struct {
	ids    []int
	tokens map[int]string
	err    error
}

func (s scriptedTokenizer) Encode(string) ([]int, error) { return s.ids, s.err }

func (s scriptedTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(s.tokens[id])
	}
	return b.String(), nil
}

// scriptedModel returns logits[pos] for the pos-th call after Reset.
type scriptedModel struct {
	logits  [][]float32
	pos     int
	resets  int
	panicAt int
	failAt  int
}

func (m *scriptedModel) ForwardToken(int) ([]float32, error) {
	defer func() { m.pos++ }()
	if m.panicAt > 0 && m.pos == m.panicAt-1 {
		panic("kernel exploded")
	}
	if m.failAt > 0 && m.pos == m.failAt-1 {
		return nil, errors.New("device lost")
	}
	return m.logits[m.pos], nil
}

func (m *scriptedModel) Reset() {
	m.pos = 0
	m.resets++
}

var storeWords = []string{"I", "went", "to", "the", "store"}

func TestComputeToyModelProperties(t *testing.T) {
	t.Parallel()
	tok, model := toy.New(7, storeWords...)
	p := Pair{Tokenizer: tok, Model: model}

	res, err := Compute(context.Background(), "I went to the store", p)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(res.ByToken) != 4 {
		t.Fatalf("len(ByToken) = %d, want 4", len(res.ByToken))
	}
	if math.IsNaN(res.TotalPerplexity) || math.IsInf(res.TotalPerplexity, 0) || res.TotalPerplexity < 1 {
		t.Fatalf("TotalPerplexity = %v, want finite and >= 1", res.TotalPerplexity)
	}
	wantTokens := []string{" went", " to", " the", " store"}
	for i, ts := range res.ByToken {
		if ts.Token != wantTokens[i] {
			t.Errorf("token %d = %q, want %q", i, ts.Token, wantTokens[i])
		}
		if ts.Probability <= 0 || ts.Probability > 1 {
			t.Errorf("token %d probability %v outside (0, 1]", i, ts.Probability)
		}
		if math.Abs(ts.Perplexity*ts.Probability-1) > 1e-12 {
			t.Errorf("token %d: perplexity*probability = %v", i, ts.Perplexity*ts.Probability)
		}
	}
	if model.Position() != 4 {
		t.Fatalf("model fed %d tokens, want 4", model.Position())
	}

	again, err := Compute(context.Background(), "I went to the store", p)
	if err != nil {
		t.Fatalf("second Compute: %v", err)
	}
	if diff := cmp.Diff(res, again); diff != "" {
		t.Fatalf("results differ between runs (-first +second):\n%s", diff)
	}
}

func TestComputeTotalIsExpOfMeanLoss(t *testing.T) {
	t.Parallel()
	ln3 := float32(math.Log(3))
	model := &scriptedModel{logits: [][]float32{{0, ln3}, {0, 0}}}
	tok := scriptedTokenizer{ids: []int{0, 1, 0}, tokens: map[int]string{0: "a", 1: "b"}}

	res, err := Compute(context.Background(), "aba", Pair{Tokenizer: tok, Model: model})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := &Result{
		TotalPerplexity: math.Sqrt(1 / (0.75 * 0.5)),
		ByToken: []TokenScore{
			{Token: "b", Perplexity: 4.0 / 3.0, Probability: 0.75},
			{Token: "a", Perplexity: 2, Probability: 0.5},
		},
	}
	if diff := cmp.Diff(want, res, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	meanPPL := (4.0/3.0 + 2) / 2
	if math.Abs(res.TotalPerplexity-meanPPL) < 1e-3 {
		t.Fatalf("total %v should differ from the mean per-token perplexity", res.TotalPerplexity)
	}
	if model.resets != 1 {
		t.Fatalf("Reset called %d times, want 1", model.resets)
	}
}

func TestComputeEdgeLengths(t *testing.T) {
	t.Parallel()
	tok, model := toy.New(1, storeWords...)
	p := Pair{Tokenizer: tok, Model: model}

	if _, err := Compute(context.Background(), "   ", p); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty text: err = %v, want ErrEmptyInput", err)
	}

	res, err := Compute(context.Background(), "store", p)
	if err != nil {
		t.Fatalf("single token: %v", err)
	}
	if res.TotalPerplexity != 1 || len(res.ByToken) != 0 {
		t.Fatalf("single token result = %+v", res)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"by_token":[]`) {
		t.Fatalf("by_token must encode as an empty array, got %s", raw)
	}
}

func TestComputeWrapsInferenceFailures(t *testing.T) {
	t.Parallel()
	logits := [][]float32{{0, 0}, {0, 0}, {0, 0}}
	tokens := map[int]string{0: "a", 1: "b"}

	cases := map[string]Pair{
		"encode error": {
			Tokenizer: scriptedTokenizer{err: errors.New("bad text")},
			Model:     &scriptedModel{logits: logits},
		},
		"forward error": {
			Tokenizer: scriptedTokenizer{ids: []int{0, 1, 1}, tokens: tokens},
			Model:     &scriptedModel{logits: logits, failAt: 2},
		},
		"forward panic": {
			Tokenizer: scriptedTokenizer{ids: []int{0, 1, 1}, tokens: tokens},
			Model:     &scriptedModel{logits: logits, panicAt: 1},
		},
		"target outside vocab": {
			Tokenizer: scriptedTokenizer{ids: []int{0, 5}, tokens: tokens},
			Model:     &scriptedModel{logits: logits},
		},
		"non-finite logits": {
			Tokenizer: scriptedTokenizer{ids: []int{0, 1}, tokens: tokens},
			Model:     &scriptedModel{logits: [][]float32{{float32(math.NaN()), 0}}},
		},
		"missing model": {
			Tokenizer: scriptedTokenizer{ids: []int{0, 1}, tokens: tokens},
		},
	}
	for name, p := range cases {
		if _, err := Compute(context.Background(), "x", p); !errors.Is(err, ErrInference) {
			t.Errorf("%s: err = %v, want ErrInference", name, err)
		}
	}
}

func TestComputeHonoursCancellation(t *testing.T) {
	t.Parallel()
	tok, model := toy.New(1, storeWords...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Compute(ctx, "I went to the store", Pair{Tokenizer: tok, Model: model})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestComputeReplacesInvalidUTF8(t *testing.T) {
	t.Parallel()
	tok := scriptedTokenizer{ids: []int{0, 1}, tokens: map[int]string{0: "a", 1: "\xe2\x9c"}}
	model := &scriptedModel{logits: [][]float32{{0, 0}}}

	res, err := Compute(context.Background(), "x", Pair{Tokenizer: tok, Model: model})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got := res.ByToken[0].Token; got != "�" {
		t.Fatalf("token = %q, want replacement character", got)
	}
}

func TestToValidUTF8ReplacesEachInvalidSubpart(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"plain":        "plain",
		"\xff\xfe":     "\uFFFD\uFFFD",
		"\xe2\x9c":     "\uFFFD",
		"a\xe2\x9cb":   "a\uFFFDb",
		"\xe2\x9c\xff": "\uFFFD\uFFFD",
		"\xed\xa0\x80": "\uFFFD\uFFFD\uFFFD",
		"\xf0\x9f\x98": "\uFFFD",
		"ok \uFFFD":    "ok \uFFFD",
	}
	for in, want := range cases {
		if got := toValidUTF8(in); got != want {
			t.Errorf("toValidUTF8(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogProbIsStableForLargeLogits(t *testing.T) {
	t.Parallel()
	logits := []float32{1e4, 0, -1e4}

	lp, err := LogProb(logits, 0)
	if err != nil {
		t.Fatalf("LogProb: %v", err)
	}
	if math.Abs(lp) > 1e-9 {
		t.Fatalf("log prob of dominant logit = %v, want ~0", lp)
	}
	lp, err = LogProb(logits, 1)
	if err != nil {
		t.Fatalf("LogProb: %v", err)
	}
	if math.Abs(lp+1e4) > 1e-6 {
		t.Fatalf("log prob = %v, want -1e4", lp)
	}

	uniform := []float32{3, 3, 3, 3}
	lp, err = LogProb(uniform, 2)
	if err != nil {
		t.Fatalf("LogProb: %v", err)
	}
	if math.Abs(lp-math.Log(0.25)) > 1e-12 {
		t.Fatalf("uniform log prob = %v, want log(1/4)", lp)
	}

	if _, err := LogProb(uniform, 4); err == nil {
		t.Fatal("expected error for target outside vocabulary")
	}
}
