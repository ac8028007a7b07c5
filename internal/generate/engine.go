// Package generate runs autoregressive decoding: it encodes a prompt, drives
// the forward pass, samples each next token and streams decoded text.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/ember/internal/detok"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/logits"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/model"
	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/tokenizer"
)

// Engine owns a model, its tokenizer and the end-of-sequence ids. Each
// Generate call gets its own decode cache, so calls never share state.
type Engine struct {
	model model.Model
	tok   tokenizer.Tokenizer
	eos   model.TokenIDs
	dtype tensor.DType
	log   logger.Logger
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = logger.OrNop(l) }
}

// New builds an engine from the raw model weights (safetensors), tokenizer.json
// and config.json. dtype is "f32", "f16" or "bf16"; empty means f16 and any
// other label falls back to f16 with a warning.
func New(weights, tokenizerJSON, configJSON []byte, dtype string, opts ...Option) (*Engine, error) {
	e := &Engine{log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}

	dt, ok := tensor.ParseDType(dtype)
	if !ok && strings.TrimSpace(dtype) != "" {
		e.log.Warn("unrecognized dtype, using default", "dtype", dtype, "default", tensor.DefaultDType)
	}
	e.dtype = dt

	cfg, err := model.ParseConfig(configJSON)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.LoadHFTokenizerBytes(tokenizerJSON, nil)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if tok.VocabSize() > cfg.VocabSize {
		e.log.Warn("tokenizer vocabulary exceeds model vocabulary", "tokenizer", tok.VocabSize(), "model", cfg.VocabSize)
	}
	m, err := model.Load(weights, cfg, dt)
	if err != nil {
		return nil, err
	}

	e.model = m
	e.tok = tok
	e.eos = cfg.EOS
	if len(e.eos) == 0 {
		if id, ok := tok.TokenID("</s>"); ok {
			e.eos = model.TokenIDs{id}
		}
	}
	if len(e.eos) == 0 {
		e.log.Warn("no end-of-sequence token, generation stops only at the sample length")
	}
	e.log.Debug("engine ready",
		"layers", cfg.NumHiddenLayers,
		"hidden", cfg.HiddenSize,
		"vocab", cfg.VocabSize,
		"dtype", dt,
		"eos", []int(e.eos),
	)
	return e, nil
}

// NewWithModel wires an engine around an existing forward pass.
func NewWithModel(m model.Model, tok tokenizer.Tokenizer, eos []int, opts ...Option) *Engine {
	e := &Engine{model: m, tok: tok, eos: model.TokenIDs(eos), dtype: tensor.F32, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) DType() tensor.DType { return e.dtype }

func (e *Engine) EOS() []int { return append([]int(nil), e.eos...) }

// Generate decodes up to cfg.SampleLen tokens after prompt. onToken, when not
// nil, receives each text fragment as soon as it is complete. If the call
// fails part way, the returned Result holds the text produced so far.
func (e *Engine) Generate(ctx context.Context, prompt string, cfg Config, onToken func(string)) (Result, error) {
	start := time.Now()
	var (
		res Result
		out strings.Builder
	)
	finish := func(err error) (Result, error) {
		res.Text = out.String()
		res.Duration = time.Since(start)
		if secs := res.Duration.Seconds(); secs > 0 {
			res.TokensPerSecond = float64(res.TokenCount) / secs
		}
		metrics.Generated(res.TokenCount, res.Duration)
		if err != nil {
			e.log.Warn("generation failed", "tokens", res.TokenCount, "error", err)
			return res, err
		}
		e.log.Info("generation finished",
			"prompt_tokens", res.PromptTokens,
			"tokens", res.TokenCount,
			"elapsed", res.Duration,
			"tokens_per_second", fmt.Sprintf("%.2f", res.TokensPerSecond),
			"stop", res.Reason,
		)
		return res, nil
	}
	emit := func(frag string) {
		if frag == "" {
			return
		}
		out.WriteString(frag)
		if onToken != nil {
			onToken(frag)
		}
	}

	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	if cfg.SampleLen < 0 {
		return finish(fmt.Errorf("%w: %d", ErrInvalidSampleLen, cfg.SampleLen))
	}
	ids, err := safeEncode(e.tok, prompt)
	if err != nil {
		return finish(fmt.Errorf("encode prompt: %w", err))
	}
	if len(ids) == 0 {
		return finish(ErrEmptyPrompt)
	}
	res.PromptTokens = len(ids)
	res.Reason = MaxLenReached

	strategy := logits.SelectStrategy(cfg.Temperature, cfg.TopK, cfg.TopP)
	sampler := logits.NewSampler(cfg.Seed, strategy)
	cache := e.model.NewCache(cfg.UseKVCache)
	stream := detok.New(e.tok)
	tokens := append(make([]int, 0, len(ids)+cfg.SampleLen), ids...)
	e.log.Debug("generation started", "prompt_tokens", len(ids), "strategy", strategy, "kv_cache", cfg.UseKVCache)

	indexPos := 0
	for step := range cfg.SampleLen {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		window, pos := tokens, 0
		if cfg.UseKVCache && step > 0 {
			window, pos = tokens[len(tokens)-1:], indexPos
		}
		scores, err := safeForward(e.model, window, pos, cache)
		if err != nil {
			return finish(fmt.Errorf("forward step %d: %w", step, err))
		}
		indexPos = pos + len(window)

		if cfg.RepeatPenalty != 1 && cfg.RepeatPenalty > 0 {
			logits.ApplyRepeatPenalty(scores, float32(cfg.RepeatPenalty), logits.PenaltyWindow(tokens, cfg.RepeatLastN))
		}
		next, err := sampler.Sample(scores)
		if err != nil {
			return finish(fmt.Errorf("sample step %d: %w", step, err))
		}
		tokens = append(tokens, next)
		res.TokenCount++

		if e.eos.Contains(next) {
			res.Reason = EosReached
			break
		}
		res.Tokens = append(res.Tokens, next)

		frag, err := safeNext(stream, next)
		if err != nil {
			return finish(fmt.Errorf("decode step %d: %w", step, err))
		}
		emit(frag)
	}
	emit(stream.Flush())
	return finish(nil)
}
