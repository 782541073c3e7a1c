package perplexity

import "github.com/samcharles93/perplex/internal/tokenizer"

// Model is a causal language model driven one token at a time. Each
// ForwardToken call advances the model by one position and returns the
// logits that predict the following token. Reset rewinds to position 0.
type Model interface {
	ForwardToken(id int) ([]float32, error)
	Reset()
}

// Pair binds the tokenizer and model that belong to one checkpoint.
type Pair struct {
	Tokenizer tokenizer.Tokenizer
	Model     Model
}

// TokenScore is the score of one predicted position.
type TokenScore struct {
	Token       string  `json:"token"`
	Perplexity  float64 `json:"perplexity"`
	Probability float64 `json:"probability"`
}

// Result holds the scores of a whole text. ByToken has one entry per token
// after the first, in text order.
type Result struct {
	TotalPerplexity float64      `json:"total_perplexity"`
	ByToken         []TokenScore `json:"by_token"`
}
