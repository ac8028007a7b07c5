package model

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	defaultRopeTheta   = 10_000
	defaultMaxPosition = 4096
	defaultRMSEps      = 1e-6
)

// ErrContextExceeded is returned when a forward pass would run past
// max_position_embeddings.
var ErrContextExceeded = errors.New("context length exceeded")

// TokenIDs decodes config fields that may hold one id or a list of ids.
type TokenIDs []int

func (ids *TokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*ids = nil
		return nil
	}
	if b[0] == '[' {
		var list []int
		if err := json.Unmarshal(b, &list); err != nil {
			return fmt.Errorf("token id list: %w", err)
		}
		*ids = list
		return nil
	}
	var one int
	if err := json.Unmarshal(b, &one); err != nil {
		return fmt.Errorf("token id: %w", err)
	}
	*ids = TokenIDs{one}
	return nil
}

func (ids TokenIDs) Contains(id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Config is the subset of a Llama config.json consumed by the runtime.
type Config struct {
	HiddenSize            int          `json:"hidden_size"`
	IntermediateSize      int          `json:"intermediate_size"`
	VocabSize             int          `json:"vocab_size"`
	NumHiddenLayers       int          `json:"num_hidden_layers"`
	NumAttentionHeads     int          `json:"num_attention_heads"`
	NumKeyValueHeads      int          `json:"num_key_value_heads"`
	HeadDim               int          `json:"head_dim"`
	RMSNormEps            float64      `json:"rms_norm_eps"`
	RopeTheta             float64      `json:"rope_theta"`
	RopeScaling           *RopeScaling `json:"rope_scaling"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings"`
	TieWordEmbeddings     bool         `json:"tie_word_embeddings"`
	BOS                   TokenIDs     `json:"bos_token_id"`
	EOS                   TokenIDs     `json:"eos_token_id"`
}

// ParseConfig decodes config.json, applies Llama defaults and validates the
// dimensions. Multimodal checkpoints that nest the text model under
// text_config are accepted as well.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.HiddenSize == 0 {
		var nested struct {
			TextConfig *Config `json:"text_config"`
		}
		if err := json.Unmarshal(raw, &nested); err == nil && nested.TextConfig != nil {
			eos := cfg.EOS
			cfg = *nested.TextConfig
			if len(cfg.EOS) == 0 {
				cfg.EOS = eos
			}
		}
	}

	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = defaultRopeTheta
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = defaultRMSEps
	}
	if cfg.MaxPositionEmbeddings == 0 {
		cfg.MaxPositionEmbeddings = defaultMaxPosition
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("config: hidden_size must be positive, got %d", c.HiddenSize)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("config: intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.VocabSize <= 0:
		return fmt.Errorf("config: vocab_size must be positive, got %d", c.VocabSize)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("config: num_hidden_layers must be positive, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("config: num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	case c.NumKeyValueHeads <= 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("config: num_key_value_heads %d does not divide num_attention_heads %d", c.NumKeyValueHeads, c.NumAttentionHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("config: head dimension must be positive and even, got %d", c.HeadDim)
	}
	return nil
}

// KVStride is the width of one cached key or value row.
func (c Config) KVStride() int { return c.NumKeyValueHeads * c.HeadDim }
