// Package gpt2 runs the GPT-2 decoder on the CPU from a Hugging Face
// safetensors checkpoint. It decodes one token per call and keeps a per-layer
// key/value cache, so scoring a sequence of N tokens costs N forward steps.
package gpt2

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/samcharles93/perplex/internal/safetensors"
	"github.com/samcharles93/perplex/internal/tensor"
)

var ErrContextFull = errors.New("gpt2: context window is full")

// Model is a loaded GPT-2 checkpoint. It is not safe for concurrent use.
type Model struct {
	Config Config

	w   *weights
	set *safetensors.Set
	act func([]float32)

	pos    int
	kCache [][]float32 // per layer, pos*D values
	vCache [][]float32

	x, h, qkv, attn, proj, ff, scores []float32
}

// Load reads config.json and the safetensors weights from a snapshot
// directory. Weight memory stays mapped until Close.
func Load(dir string) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	m, err := newModel(set, cfg)
	if err != nil {
		return nil, errors.Join(err, set.Close())
	}
	m.set = set
	return m, nil
}

func newModel(src tensorSource, cfg Config) (*Model, error) {
	act, err := activation(cfg.ActivationFunction)
	if err != nil {
		return nil, err
	}
	w, err := loadWeights(src, cfg)
	if err != nil {
		return nil, err
	}
	d := cfg.NEmbd
	return &Model{
		Config: cfg,
		w:      w,
		act:    act,
		kCache: make([][]float32, cfg.NLayer),
		vCache: make([][]float32, cfg.NLayer),
		x:      make([]float32, d),
		h:      make([]float32, d),
		qkv:    make([]float32, 3*d),
		attn:   make([]float32, d),
		proj:   make([]float32, d),
		ff:     make([]float32, cfg.Inner()),
	}, nil
}

func activation(name string) (func([]float32), error) {
	switch name {
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast":
		return tensor.GELU, nil
	case "gelu":
		return tensor.GELUExact, nil
	default:
		return nil, fmt.Errorf("unsupported activation_function %q", name)
	}
}

// Reset clears the key/value cache so the next token is fed at position 0.
func (m *Model) Reset() {
	m.pos = 0
	for i := range m.kCache {
		m.kCache[i] = m.kCache[i][:0]
		m.vCache[i] = m.vCache[i][:0]
	}
}

func (m *Model) Position() int { return m.pos }

// ForwardToken feeds id at the current position and returns a new slice of
// vocabulary logits for the next position.
func (m *Model) ForwardToken(id int) ([]float32, error) {
	cfg := m.Config
	if m.w == nil {
		return nil, errors.New("gpt2: model is closed")
	}
	if id < 0 || id >= cfg.VocabSize {
		return nil, fmt.Errorf("token id %d out of range [0,%d)", id, cfg.VocabSize)
	}
	if m.pos >= cfg.NPositions {
		return nil, fmt.Errorf("%w: %d positions", ErrContextFull, cfg.NPositions)
	}

	copy(m.x, m.w.wte.Row(id))
	tensor.Add(m.x, m.w.wpe.Row(m.pos))

	eps := float32(cfg.LayerNormEpsilon)
	for l := range m.w.blocks {
		b := &m.w.blocks[l]

		tensor.LayerNorm(m.h, m.x, b.ln1W, b.ln1B, eps)
		tensor.VecMat(m.qkv, m.h, &b.attnW, b.attnB)
		m.attend(l)
		tensor.VecMat(m.proj, m.attn, &b.attnProjW, b.attnProjB)
		tensor.Add(m.x, m.proj)

		tensor.LayerNorm(m.h, m.x, b.ln2W, b.ln2B, eps)
		tensor.VecMat(m.ff, m.h, &b.fcW, b.fcB)
		m.act(m.ff)
		tensor.VecMat(m.proj, m.ff, &b.mlpProjW, b.mlpProjB)
		tensor.Add(m.x, m.proj)
	}

	tensor.LayerNorm(m.h, m.x, m.w.lnfW, m.w.lnfB, eps)
	logits := make([]float32, cfg.VocabSize)
	tensor.MatVec(logits, &m.w.wte, m.h)
	m.pos++
	return logits, nil
}

// attend appends this position's key and value to layer l's cache and runs
// causal multi-head attention over every cached position.
func (m *Model) attend(l int) {
	d := m.Config.NEmbd
	hd := m.Config.HeadDim()
	q := m.qkv[:d]
	m.kCache[l] = append(m.kCache[l], m.qkv[d:2*d]...)
	m.vCache[l] = append(m.vCache[l], m.qkv[2*d:]...)
	keys, values := m.kCache[l], m.vCache[l]
	n := len(keys) / d

	if cap(m.scores) < n {
		m.scores = make([]float32, n, m.Config.NPositions)
	}
	scores := m.scores[:n]
	scale := float32(1 / math.Sqrt(float64(hd)))

	clear(m.attn)
	for head := 0; head < m.Config.NHead; head++ {
		off := head * hd
		qh := q[off : off+hd]
		for t := 0; t < n; t++ {
			scores[t] = tensor.Dot(qh, keys[t*d+off:t*d+off+hd]) * scale
		}
		tensor.Softmax(scores)
		out := m.attn[off : off+hd]
		for t := 0; t < n; t++ {
			p := scores[t]
			vt := values[t*d+off : t*d+off+hd]
			for i := range out {
				out[i] += p * vt[i]
			}
		}
	}
}

// Close unmaps the weights. The model must not be used afterwards.
func (m *Model) Close() error {
	if m == nil || m.set == nil {
		return nil
	}
	err := m.set.Close()
	m.set = nil
	m.w = nil
	return err
}
