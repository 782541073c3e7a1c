package gpt2

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

const ConfigFileName = "config.json"

// Config mirrors the fields of a Hugging Face GPT-2 config.json that the
// forward pass needs.
type Config struct {
	ModelType          string   `json:"model_type"`
	Architectures      []string `json:"architectures"`
	VocabSize          int      `json:"vocab_size"`
	NPositions         int      `json:"n_positions"`
	NCtx               int      `json:"n_ctx"`
	NEmbd              int      `json:"n_embd"`
	NLayer             int      `json:"n_layer"`
	NHead              int      `json:"n_head"`
	NInner             *int     `json:"n_inner"`
	LayerNormEpsilon   float64  `json:"layer_norm_epsilon"`
	ActivationFunction string   `json:"activation_function"`
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

// ParseConfig decodes config.json and fills the defaults transformers uses
// for missing fields.
func ParseConfig(raw []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	if c.LayerNormEpsilon == 0 {
		c.LayerNormEpsilon = 1e-5
	}
	if c.ActivationFunction == "" {
		c.ActivationFunction = "gelu_new"
	}
	if c.NPositions == 0 {
		c.NPositions = c.NCtx
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.NEmbd <= 0:
		return fmt.Errorf("n_embd must be positive, got %d", c.NEmbd)
	case c.NHead <= 0 || c.NEmbd%c.NHead != 0:
		return fmt.Errorf("n_embd %d is not divisible by n_head %d", c.NEmbd, c.NHead)
	case c.NLayer < 0:
		return fmt.Errorf("n_layer must not be negative, got %d", c.NLayer)
	case c.NPositions <= 0:
		return fmt.Errorf("n_positions must be positive, got %d", c.NPositions)
	case c.Inner() <= 0:
		return fmt.Errorf("n_inner must be positive, got %d", c.Inner())
	}
	if _, err := activation(c.ActivationFunction); err != nil {
		return err
	}
	return nil
}

// Inner is the MLP width: n_inner when set, else 4 * n_embd.
func (c Config) Inner() int {
	if c.NInner != nil {
		return *c.NInner
	}
	return 4 * c.NEmbd
}

func (c Config) HeadDim() int { return c.NEmbd / c.NHead }
