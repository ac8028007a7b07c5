package generate

import (
	"errors"
	"time"
)

// ErrEmptyPrompt is returned when the prompt encodes to no tokens.
var ErrEmptyPrompt = errors.New("prompt encodes to no tokens")

// ErrInvalidSampleLen is returned for a negative Config.SampleLen.
var ErrInvalidSampleLen = errors.New("sample length must not be negative")

// Config controls one Generate call.
type Config struct {
	Seed        uint64
	Temperature float64 // <= 0 selects greedy decoding
	TopK        int     // 0 means unset
	TopP        float64 // 0 means unset
	SampleLen   int     // maximum number of sampled tokens

	RepeatPenalty float64 // 1 disables the penalty
	RepeatLastN   int

	UseKVCache bool
}

// DefaultConfig is seed 42, temperature 1, top-k 40, 128 tokens and a 1.1
// repeat penalty over the last 64 tokens, with the KV cache on.
func DefaultConfig() Config {
	return Config{
		Seed:          42,
		Temperature:   1,
		TopK:          40,
		SampleLen:     128,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		UseKVCache:    true,
	}
}

// StopReason says why the decode loop ended.
type StopReason int

const (
	MaxLenReached StopReason = iota
	EosReached
)

func (r StopReason) String() string {
	switch r {
	case EosReached:
		return "eos"
	case MaxLenReached:
		return "max_len"
	default:
		return "unknown"
	}
}

func (r StopReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Result is the outcome of Generate. On failure it holds what was produced
// before the error.
type Result struct {
	Text string
	// Tokens are the emitted ids; a terminating EOS is not included.
	Tokens []int
	// TokenCount counts every sampled token, including a terminating EOS.
	TokenCount   int
	PromptTokens int
	Reason       StopReason

	Duration        time.Duration
	TokensPerSecond float64
}
