// Package models turns a model id into a loaded tokenizer and language model,
// preferring a pre-populated hub cache and fetching only on a miss.
package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/perplex/internal/backend"
	"github.com/samcharles93/perplex/internal/gpt2"
	"github.com/samcharles93/perplex/internal/perplexity"
	"github.com/samcharles93/perplex/internal/tokenizer"
)

var (
	ErrModelNotFound   = errors.New("model not found")
	ErrUnsupportedArch = errors.New("unsupported model architecture")
)

// Source records where a model's files came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Handle is a loaded model bound to an execution device. The embedded Pair is
// what perplexity.Compute consumes.
type Handle struct {
	ID     string
	Path   string
	Source Source
	Device string
	perplexity.Pair

	closer io.Closer
	closed bool
}

// NewHandle binds a tokenizer and model loaded outside LocalLoader. closer,
// when non-nil, is closed by Handle.Close.
func NewHandle(id, device string, pair perplexity.Pair, closer io.Closer) *Handle {
	return &Handle{ID: id, Device: device, Pair: pair, closer: closer}
}

// Close releases the model weights and hands freed memory back to the
// device. It is safe to call more than once.
func (h *Handle) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true
	var err error
	if h.closer != nil {
		err = h.closer.Close()
		h.closer = nil
	}
	h.Pair = perplexity.Pair{}
	backend.Release(h.Device)
	return err
}

// Fetcher downloads a model by id and returns its local snapshot directory.
type Fetcher interface {
	Fetch(ctx context.Context, modelID string) (string, error)
}

// Loader builds a Handle from a snapshot directory without network access.
type Loader interface {
	Load(ctx context.Context, dir, device string) (*Handle, error)
}

// LocalLoader loads Hugging Face GPT-2 checkpoints stored as safetensors.
type LocalLoader struct{}

type archConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
}

func (LocalLoader) Load(ctx context.Context, dir, device string) (*Handle, error) {
	if !backend.Has(device) {
		return nil, fmt.Errorf("%s backend is not available in this build", device)
	}
	raw, err := os.ReadFile(filepath.Join(dir, gpt2.ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var arch archConfig
	if err := json.Unmarshal(raw, &arch); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	if arch.ModelType != "gpt2" {
		return nil, fmt.Errorf("%w: model_type %q (architectures %v)", ErrUnsupportedArch, arch.ModelType, arch.Architectures)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := tokenizer.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	m, err := gpt2.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if tok.VocabSize() > m.Config.VocabSize {
		return nil, errors.Join(
			fmt.Errorf("tokenizer has %d tokens but the model only %d", tok.VocabSize(), m.Config.VocabSize),
			m.Close(),
		)
	}
	h := NewHandle("", device, perplexity.Pair{Tokenizer: tok, Model: m}, m)
	h.Path = dir
	return h, nil
}
