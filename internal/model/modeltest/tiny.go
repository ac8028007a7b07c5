// Package modeltest builds small random Llama checkpoints for tests.
package modeltest

import (
	"fmt"
	"math/rand"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ember/internal/model"
	"github.com/samcharles93/ember/internal/safetensors"
)

// Config is a two-layer grouped-query model small enough for unit tests.
func Config(vocab int) model.Config {
	return model.Config{
		HiddenSize:            8,
		IntermediateSize:      16,
		VocabSize:             vocab,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		NumKeyValueHeads:      1,
		HeadDim:               4,
		RMSNormEps:            1e-5,
		RopeTheta:             10_000,
		MaxPositionEmbeddings: 64,
	}
}

// ConfigJSON renders cfg as a Hugging Face config.json.
func ConfigJSON(cfg model.Config) ([]byte, error) {
	raw := map[string]any{
		"architectures":           []string{"LlamaForCausalLM"},
		"model_type":              "llama",
		"hidden_size":             cfg.HiddenSize,
		"intermediate_size":       cfg.IntermediateSize,
		"vocab_size":              cfg.VocabSize,
		"num_hidden_layers":       cfg.NumHiddenLayers,
		"num_attention_heads":     cfg.NumAttentionHeads,
		"num_key_value_heads":     cfg.NumKeyValueHeads,
		"rms_norm_eps":            cfg.RMSNormEps,
		"rope_theta":              cfg.RopeTheta,
		"max_position_embeddings": cfg.MaxPositionEmbeddings,
		"tie_word_embeddings":     cfg.TieWordEmbeddings,
	}
	if len(cfg.EOS) == 1 {
		raw["eos_token_id"] = cfg.EOS[0]
	} else if len(cfg.EOS) > 1 {
		raw["eos_token_id"] = []int(cfg.EOS)
	}
	return json.Marshal(raw)
}

// Weights returns a safetensors buffer with random weights for cfg. The
// lm_head tensor is omitted when cfg ties embeddings.
func Weights(cfg model.Config, seed int64) ([]byte, error) {
	rng := rand.New(rand.NewSource(seed))
	w := safetensors.NewWriter()
	w.SetMetadata("format", "pt")

	hidden := cfg.HiddenSize
	qDim := cfg.NumAttentionHeads * cfg.HeadDim
	kvDim := cfg.NumKeyValueHeads * cfg.HeadDim

	add := func(name string, shape ...int) error {
		n := 1
		for _, d := range shape {
			n *= d
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = (rng.Float32() - 0.5) * 0.8
		}
		return w.AddF32(name, shape, vals)
	}
	ones := func(name string, n int) error {
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = 1
		}
		return w.AddF32(name, []int{n}, vals)
	}

	steps := []func() error{
		func() error { return add("model.embed_tokens.weight", cfg.VocabSize, hidden) },
		func() error { return ones("model.norm.weight", hidden) },
	}
	if !cfg.TieWordEmbeddings {
		steps = append(steps, func() error { return add("lm_head.weight", cfg.VocabSize, hidden) })
	}
	for i := range cfg.NumHiddenLayers {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		steps = append(steps,
			func() error { return ones(prefix+"input_layernorm.weight", hidden) },
			func() error { return ones(prefix+"post_attention_layernorm.weight", hidden) },
			func() error { return add(prefix+"self_attn.q_proj.weight", qDim, hidden) },
			func() error { return add(prefix+"self_attn.k_proj.weight", kvDim, hidden) },
			func() error { return add(prefix+"self_attn.v_proj.weight", kvDim, hidden) },
			func() error { return add(prefix+"self_attn.o_proj.weight", hidden, qDim) },
			func() error { return add(prefix+"mlp.gate_proj.weight", cfg.IntermediateSize, hidden) },
			func() error { return add(prefix+"mlp.up_proj.weight", cfg.IntermediateSize, hidden) },
			func() error { return add(prefix+"mlp.down_proj.weight", hidden, cfg.IntermediateSize) },
		)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return w.Bytes()
}
