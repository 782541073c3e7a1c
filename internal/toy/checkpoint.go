package toy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/perplex/internal/safetensors"
	"github.com/samcharles93/perplex/internal/tensor"
	"github.com/samcharles93/perplex/internal/tokenizer"
)

// CheckpointSpec sizes the random GPT-2 snapshot written by WriteCheckpoint.
type CheckpointSpec struct {
	Embd      int
	Heads     int
	Layers    int
	Positions int
	Seed      int64
	// Prefix is prepended to every tensor name, e.g. "transformer.".
	Prefix string
}

var DefaultCheckpoint = CheckpointSpec{Embd: 8, Heads: 2, Layers: 2, Positions: 64, Seed: 1}

// Ids above the 256 byte symbols in the checkpoint vocabulary.
const (
	EndOfText = 256
	vocabSize = 260
)

// WriteCheckpoint writes config.json, tokenizer.json and model.safetensors for
// a tiny random GPT-2 into dir. The tokenizer is byte-level BPE with merges
// for " the", so any text encodes.
func WriteCheckpoint(dir string, spec CheckpointSpec) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	config := map[string]any{
		"model_type":          "gpt2",
		"architectures":       []string{"GPT2LMHeadModel"},
		"vocab_size":          vocabSize,
		"n_positions":         spec.Positions,
		"n_ctx":               spec.Positions,
		"n_embd":              spec.Embd,
		"n_layer":             spec.Layers,
		"n_head":              spec.Heads,
		"layer_norm_epsilon":  1e-5,
		"activation_function": "gelu_new",
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), config); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, tokenizer.TokenizerFileName), tokenizerDoc()); err != nil {
		return err
	}

	d, inner := spec.Embd, 4*spec.Embd
	seed := spec.Seed
	rnd := func(shape ...int) safetensors.F32Tensor {
		seed++
		m := tensor.NewMat(shape[0], 1)
		if len(shape) == 2 {
			m = tensor.NewMat(shape[0], shape[1])
		}
		tensor.FillRand(&m, seed, 0.4)
		return safetensors.F32Tensor{Shape: shape, Data: m.Data}
	}
	ones := func(n int) safetensors.F32Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return safetensors.F32Tensor{Shape: []int{n}, Data: data}
	}

	tensors := map[string]safetensors.F32Tensor{
		"wte.weight":  rnd(vocabSize, d),
		"wpe.weight":  rnd(spec.Positions, d),
		"ln_f.weight": ones(d),
		"ln_f.bias":   rnd(d),
	}
	for i := 0; i < spec.Layers; i++ {
		p := fmt.Sprintf("h.%d.", i)
		tensors[p+"ln_1.weight"] = ones(d)
		tensors[p+"ln_1.bias"] = rnd(d)
		tensors[p+"attn.c_attn.weight"] = rnd(d, 3*d)
		tensors[p+"attn.c_attn.bias"] = rnd(3 * d)
		tensors[p+"attn.c_proj.weight"] = rnd(d, d)
		tensors[p+"attn.c_proj.bias"] = rnd(d)
		tensors[p+"ln_2.weight"] = ones(d)
		tensors[p+"ln_2.bias"] = rnd(d)
		tensors[p+"mlp.c_fc.weight"] = rnd(d, inner)
		tensors[p+"mlp.c_fc.bias"] = rnd(inner)
		tensors[p+"mlp.c_proj.weight"] = rnd(inner, d)
		tensors[p+"mlp.c_proj.bias"] = rnd(d)
	}
	if spec.Prefix != "" {
		prefixed := make(map[string]safetensors.F32Tensor, len(tensors))
		for name, t := range tensors {
			prefixed[spec.Prefix+name] = t
		}
		tensors = prefixed
	}
	return safetensors.WriteF32(filepath.Join(dir, safetensors.SingleFileName), tensors, map[string]string{"format": "pt"})
}

func tokenizerDoc() map[string]any {
	alphabet := tokenizer.ByteLevelAlphabet()
	vocab := make(map[string]int, vocabSize)
	for b, sym := range alphabet {
		vocab[sym] = b
	}
	vocab["<|endoftext|>"] = EndOfText
	vocab["Ġt"] = 257
	vocab["Ġth"] = 258
	vocab["Ġthe"] = 259
	return map[string]any{
		"version": "1.0",
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []string{"Ġ t", "Ġt h", "Ġth e"},
		},
		"pre_tokenizer": map[string]any{
			"type":             "ByteLevel",
			"add_prefix_space": false,
			"trim_offsets":     true,
			"use_regex":        true,
		},
		"post_processor": map[string]any{"type": "ByteLevel", "trim_offsets": false},
		"added_tokens": []map[string]any{
			{"id": EndOfText, "content": "<|endoftext|>", "special": true},
		},
	}
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
