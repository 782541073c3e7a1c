package perplexity

import "errors"

var (
	// ErrEmptyInput is returned when text produces no tokens at all.
	ErrEmptyInput = errors.New("input produced no tokens")
	// ErrInference wraps any failure of the tokenizer or model while scoring.
	ErrInference = errors.New("model inference failed")
)
