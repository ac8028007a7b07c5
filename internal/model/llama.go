package model

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/ember/internal/safetensors"
	"github.com/samcharles93/ember/internal/tensor"
)

const (
	embedName  = "model.embed_tokens.weight"
	normName   = "model.norm.weight"
	outputName = "lm_head.weight"
)

func layerName(layer int, suffix string) string {
	return fmt.Sprintf("model.layers.%d.%s", layer, suffix)
}

type llamaLayer struct {
	attnNorm []float32
	ffnNorm  []float32

	wq, wk, wv, wo          tensor.Mat
	ffnGate, ffnUp, ffnDown tensor.Mat
}

type scratch struct {
	x, tmp, proj, ffnOut []float32
	q, k, v, attnOut     []float32
	gate, up             []float32
	logits               []float32
}

// Llama is a decoder-only transformer with RMSNorm, grouped-query attention,
// rotary position embeddings and a SwiGLU MLP.
type Llama struct {
	cfg   Config
	dtype tensor.DType

	embed  tensor.Mat
	layers []llamaLayer
	norm   []float32
	output tensor.Mat

	invFreq []float64
	scale   float32

	mu       sync.Mutex
	scratch  scratch
	poolOnce sync.Once
	pool     *headPool
}

var _ Model = (*Llama)(nil)

// Load builds a Llama from an in-memory safetensors buffer. Weight matrices
// are stored in dtype; norms and activations stay float32.
func Load(weights []byte, cfg Config, dtype tensor.DType) (*Llama, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f, err := safetensors.Parse(weights)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	ld := loader{src: f, dtype: dtype}

	hidden := cfg.HiddenSize
	qDim := cfg.NumAttentionHeads * cfg.HeadDim
	kvDim := cfg.KVStride()

	m := &Llama{cfg: cfg, dtype: dtype}
	m.embed = ld.mat(embedName, cfg.VocabSize, hidden)
	m.norm = ld.vec(normName, hidden)
	m.output = m.embed
	if _, ok := f.Tensor(outputName); ok && !cfg.TieWordEmbeddings {
		m.output = ld.mat(outputName, cfg.VocabSize, hidden)
	}

	m.layers = make([]llamaLayer, cfg.NumHiddenLayers)
	for i := range m.layers {
		l := &m.layers[i]
		l.attnNorm = ld.vec(layerName(i, "input_layernorm.weight"), hidden)
		l.ffnNorm = ld.vec(layerName(i, "post_attention_layernorm.weight"), hidden)
		l.wq = ld.mat(layerName(i, "self_attn.q_proj.weight"), qDim, hidden)
		l.wk = ld.mat(layerName(i, "self_attn.k_proj.weight"), kvDim, hidden)
		l.wv = ld.mat(layerName(i, "self_attn.v_proj.weight"), kvDim, hidden)
		l.wo = ld.mat(layerName(i, "self_attn.o_proj.weight"), hidden, qDim)
		l.ffnGate = ld.mat(layerName(i, "mlp.gate_proj.weight"), cfg.IntermediateSize, hidden)
		l.ffnUp = ld.mat(layerName(i, "mlp.up_proj.weight"), cfg.IntermediateSize, hidden)
		l.ffnDown = ld.mat(layerName(i, "mlp.down_proj.weight"), hidden, cfg.IntermediateSize)
	}
	if ld.err != nil {
		return nil, ld.err
	}

	m.invFreq = tensor.RopeInvFreq(cfg.HeadDim, cfg.RopeTheta)
	scaleInvFreq(m.invFreq, cfg.MaxPositionEmbeddings, cfg.RopeScaling)
	m.scale = float32(1 / math.Sqrt(float64(cfg.HeadDim)))
	m.scratch = scratch{
		x:       make([]float32, hidden),
		tmp:     make([]float32, hidden),
		proj:    make([]float32, hidden),
		ffnOut:  make([]float32, hidden),
		q:       make([]float32, qDim),
		k:       make([]float32, kvDim),
		v:       make([]float32, kvDim),
		attnOut: make([]float32, qDim),
		gate:    make([]float32, cfg.IntermediateSize),
		up:      make([]float32, cfg.IntermediateSize),
		logits:  make([]float32, cfg.VocabSize),
	}
	return m, nil
}

// loader keeps the first error so Load can request every tensor in sequence.
type loader struct {
	src   *safetensors.File
	dtype tensor.DType
	err   error
}

func (ld *loader) raw(name string, want ...int) []float32 {
	if ld.err != nil {
		return nil
	}
	data, info, err := ld.src.Float32(name)
	if err != nil {
		ld.err = fmt.Errorf("load weights: %w", err)
		return nil
	}
	if !shapeIs(info.Shape, want) {
		ld.err = fmt.Errorf("load weights: tensor %s has shape %v, want %v", name, info.Shape, want)
		return nil
	}
	return data
}

func (ld *loader) mat(name string, r, c int) tensor.Mat {
	data := ld.raw(name, r, c)
	if ld.err != nil {
		return tensor.Mat{}
	}
	m, err := tensor.Materialize(r, c, data, ld.dtype)
	if err != nil {
		ld.err = fmt.Errorf("load weights: tensor %s: %w", name, err)
	}
	return m
}

func (ld *loader) vec(name string, n int) []float32 {
	return ld.raw(name, n)
}

func shapeIs(got, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func (m *Llama) Config() Config { return m.cfg }

func (m *Llama) DType() tensor.DType { return m.dtype }

func (m *Llama) NewCache(enabled bool) *KVCache {
	return NewKVCache(m.cfg.NumHiddenLayers, m.cfg.KVStride(), enabled)
}

// Forward processes the tokens one position at a time, so a cached decode and
// a full recompute perform the same arithmetic for every position.
func (m *Llama) Forward(tokens []int, pos int, cache *KVCache) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, errors.New("forward: empty token context")
	}
	if cache == nil {
		return nil, errors.New("forward: nil cache")
	}
	if len(cache.k) != len(m.layers) || cache.stride != m.cfg.KVStride() {
		return nil, errors.New("forward: cache was not created for this model")
	}
	if end := pos + len(tokens); end > m.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("%w: %d > %d", ErrContextExceeded, end, m.cfg.MaxPositionEmbeddings)
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= m.cfg.VocabSize {
			return nil, fmt.Errorf("forward: token id out of range: %d", tok)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := cache.Begin(pos); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	m.poolOnce.Do(func() {
		m.pool = newHeadPool(headWorkers(m.cfg.NumAttentionHeads), m.cfg.MaxPositionEmbeddings)
	})

	for i, tok := range tokens {
		m.step(tok, pos+i, cache)
	}

	s := &m.scratch
	tensor.RMSNorm(s.tmp, s.x, m.norm, float32(m.cfg.RMSNormEps))
	tensor.MatVec(s.logits, &m.output, s.tmp)
	return append([]float32(nil), s.logits...), nil
}

// step runs every layer for one token, leaving the hidden state in scratch.x.
func (m *Llama) step(tok, pos int, cache *KVCache) {
	s := &m.scratch
	eps := float32(m.cfg.RMSNormEps)
	m.embed.RowTo(s.x, tok)

	for i := range m.layers {
		l := &m.layers[i]
		tensor.RMSNorm(s.tmp, s.x, l.attnNorm, eps)
		tensor.Add(s.x, m.attention(i, l, s.tmp, pos, cache))

		tensor.RMSNorm(s.tmp, s.x, l.ffnNorm, eps)
		tensor.Add(s.x, m.ffn(l, s.tmp))
	}
	cache.Advance(1)
}

func (m *Llama) attention(layer int, l *llamaLayer, x []float32, pos int, cache *KVCache) []float32 {
	s := &m.scratch
	nHead, kvHeads, headDim := m.cfg.NumAttentionHeads, m.cfg.NumKeyValueHeads, m.cfg.HeadDim

	tensor.MatVec(s.q, &l.wq, x)
	tensor.MatVec(s.k, &l.wk, x)
	tensor.MatVec(s.v, &l.wv, x)
	tensor.ApplyRoPE(s.q, nHead, headDim, pos, m.invFreq)
	tensor.ApplyRoPE(s.k, kvHeads, headDim, pos, m.invFreq)
	cache.store(layer, s.k, s.v)

	m.pool.run(&attnStep{
		q:       s.q,
		keys:    cache.k[layer],
		values:  cache.v[layer],
		out:     s.attnOut,
		pos:     pos,
		stride:  cache.stride,
		headDim: headDim,
		nHead:   nHead,
		kvHeads: kvHeads,
		scale:   m.scale,
	})
	tensor.MatVec(s.proj, &l.wo, s.attnOut)
	return s.proj
}

func (m *Llama) ffn(l *llamaLayer, x []float32) []float32 {
	s := &m.scratch
	tensor.MatVec(s.gate, &l.ffnGate, x)
	tensor.MatVec(s.up, &l.ffnUp, x)
	for i := range s.gate {
		s.gate[i] = tensor.Silu(s.gate[i]) * s.up[i]
	}
	tensor.MatVec(s.ffnOut, &l.ffnDown, s.gate)
	return s.ffnOut
}
