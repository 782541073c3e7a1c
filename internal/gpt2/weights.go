package gpt2

import (
	"fmt"
	"slices"

	"github.com/samcharles93/perplex/internal/safetensors"
	"github.com/samcharles93/perplex/internal/tensor"
)

type block struct {
	ln1W, ln1B []float32
	attnW      tensor.Mat // [D x 3D]
	attnB      []float32
	attnProjW  tensor.Mat // [D x D]
	attnProjB  []float32
	ln2W, ln2B []float32
	fcW        tensor.Mat // [D x inner]
	fcB        []float32
	mlpProjW   tensor.Mat // [inner x D]
	mlpProjB   []float32
}

type weights struct {
	wte    tensor.Mat // [vocab x D], also the output head
	wpe    tensor.Mat // [positions x D]
	blocks []block
	lnfW   []float32
	lnfB   []float32
}

// tensorSource is the subset of a safetensors set the loader reads from.
type tensorSource interface {
	Has(name string) bool
	Float32s(name string) ([]float32, safetensors.TensorInfo, error)
}

type loader struct {
	src    tensorSource
	prefix string
}

// newLoader detects whether the checkpoint stores names under the
// "transformer." prefix used by GPT2LMHeadModel exports.
func newLoader(src tensorSource) *loader {
	l := &loader{src: src}
	if !src.Has("wte.weight") && src.Has("transformer.wte.weight") {
		l.prefix = "transformer."
	}
	return l
}

func (l *loader) vec(name string, n int) ([]float32, error) {
	data, info, err := l.src.Float32s(l.prefix + name)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("%s: shape %v, want [%d]", name, info.Shape, n)
	}
	return data, nil
}

func (l *loader) mat(name string, r, c int) (tensor.Mat, error) {
	data, info, err := l.src.Float32s(l.prefix + name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if !slices.Equal(info.Shape, []int{r, c}) {
		return tensor.Mat{}, fmt.Errorf("%s: shape %v, want [%d %d]", name, info.Shape, r, c)
	}
	return tensor.NewMatFromData(r, c, data)
}

func loadWeights(src tensorSource, cfg Config) (*weights, error) {
	l := newLoader(src)
	d, inner := cfg.NEmbd, cfg.Inner()

	var w weights
	var err error
	if w.wte, err = l.mat("wte.weight", cfg.VocabSize, d); err != nil {
		return nil, err
	}
	if w.wpe, err = l.mat("wpe.weight", cfg.NPositions, d); err != nil {
		return nil, err
	}
	if w.lnfW, err = l.vec("ln_f.weight", d); err != nil {
		return nil, err
	}
	if w.lnfB, err = l.vec("ln_f.bias", d); err != nil {
		return nil, err
	}

	w.blocks = make([]block, cfg.NLayer)
	for i := range w.blocks {
		b := &w.blocks[i]
		p := fmt.Sprintf("h.%d.", i)
		steps := []func() error{
			func() (err error) { b.ln1W, err = l.vec(p+"ln_1.weight", d); return },
			func() (err error) { b.ln1B, err = l.vec(p+"ln_1.bias", d); return },
			func() (err error) { b.attnW, err = l.mat(p+"attn.c_attn.weight", d, 3*d); return },
			func() (err error) { b.attnB, err = l.vec(p+"attn.c_attn.bias", 3*d); return },
			func() (err error) { b.attnProjW, err = l.mat(p+"attn.c_proj.weight", d, d); return },
			func() (err error) { b.attnProjB, err = l.vec(p+"attn.c_proj.bias", d); return },
			func() (err error) { b.ln2W, err = l.vec(p+"ln_2.weight", d); return },
			func() (err error) { b.ln2B, err = l.vec(p+"ln_2.bias", d); return },
			func() (err error) { b.fcW, err = l.mat(p+"mlp.c_fc.weight", d, inner); return },
			func() (err error) { b.fcB, err = l.vec(p+"mlp.c_fc.bias", inner); return },
			func() (err error) { b.mlpProjW, err = l.mat(p+"mlp.c_proj.weight", inner, d); return },
			func() (err error) { b.mlpProjB, err = l.vec(p+"mlp.c_proj.bias", d); return },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return &w, nil
}
