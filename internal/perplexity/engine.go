// Package perplexity scores text under a causal language model.
package perplexity

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/tokenizer"
)

// Compute tokenizes text, feeds every token but the last through the model
// and scores each following token against the logits that predicted it.
//
// Text that yields no tokens fails with ErrEmptyInput. A single token has
// nothing to predict, so the result is a perplexity of 1 with no per-token
// entries. Tokenizer and model failures, including panics, are wrapped in
// ErrInference.
func Compute(ctx context.Context, text string, p Pair) (*Result, error) {
	if p.Tokenizer == nil || p.Model == nil {
		return nil, fmt.Errorf("%w: tokenizer and model are required", ErrInference)
	}
	log := logger.FromContext(ctx)
	start := time.Now()

	ids, err := safeEncode(p.Tokenizer, text)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrInference, err)
	}
	n := len(ids)
	if n == 0 {
		return nil, ErrEmptyInput
	}

	res := &Result{TotalPerplexity: 1, ByToken: make([]TokenScore, 0, n-1)}
	if n == 1 {
		return res, nil
	}

	if err := safeReset(p.Model); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	var nll float64
	var scratch []float64
	for i := 1; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := safeForward(p.Model, ids[i-1])
		if err != nil {
			return nil, fmt.Errorf("%w: position %d: %w", ErrInference, i-1, err)
		}
		var lp float64
		lp, scratch, err = logProb(scratch, logits, ids[i])
		if err != nil {
			return nil, fmt.Errorf("%w: position %d: %w", ErrInference, i, err)
		}
		ppl := math.Exp(-lp)
		if math.IsInf(ppl, 1) {
			return nil, fmt.Errorf("%w: position %d: perplexity overflows", ErrInference, i)
		}
		token, err := safeDecode(p.Tokenizer, ids[i])
		if err != nil {
			return nil, fmt.Errorf("%w: decode token %d: %w", ErrInference, ids[i], err)
		}
		nll -= lp
		res.ByToken = append(res.ByToken, TokenScore{
			Token:       toValidUTF8(token),
			Perplexity:  ppl,
			Probability: math.Exp(lp),
		})
	}

	res.TotalPerplexity = math.Exp(nll / float64(n-1))
	if math.IsInf(res.TotalPerplexity, 1) {
		return nil, fmt.Errorf("%w: total perplexity overflows", ErrInference)
	}
	log.Debug("perplexity computed",
		"tokens", n,
		"total", res.TotalPerplexity,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// LogProb returns log softmax(logits)[target], computed in float64 with the
// max-shifted log-sum-exp so large logits cannot overflow.
func LogProb(logits []float32, target int) (float64, error) {
	lp, _, err := logProb(nil, logits, target)
	return lp, err
}

func logProb(scratch []float64, logits []float32, target int) (float64, []float64, error) {
	if target < 0 || target >= len(logits) {
		return 0, scratch, fmt.Errorf("target %d outside vocabulary of %d", target, len(logits))
	}
	if cap(scratch) < len(logits) {
		scratch = make([]float64, len(logits))
	}
	scratch = scratch[:len(logits)]
	for i, v := range logits {
		scratch[i] = float64(v)
	}
	lse := floats.LogSumExp(scratch)
	lp := scratch[target] - lse
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return 0, scratch, fmt.Errorf("non-finite log probability for target %d", target)
	}
	return lp, scratch, nil
}

func safeEncode(tok tokenizer.Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}

func safeDecode(tok tokenizer.Tokenizer, id int) (s string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode([]int{id})
}

func safeReset(m Model) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Reset: %v", rec)
		}
	}()
	m.Reset()
	return nil
}

func safeForward(m Model, id int) (logits []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ForwardToken: %v", rec)
		}
	}()
	return m.ForwardToken(id)
}
