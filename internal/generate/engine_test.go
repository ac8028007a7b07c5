package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ember/internal/model"
)

// pieces is a tiny vocabulary. Ids 4 and 5 together spell "é".
var pieces = []string{"a", "b", "c", "d", "\xc3", "\xa9", " ", "x", "y", "</s>"}

const eosID = 9

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, r := range text {
		found := false
		for id, p := range pieces[:4] {
			if p == string(r) {
				ids = append(ids, id)
				found = true
			}
		}
		if r == ' ' {
			ids, found = append(ids, 6), true
		}
		if !found {
			return nil, fmt.Errorf("no token for %q", r)
		}
	}
	return ids, nil
}

func (fakeTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(pieces) {
			return "", fmt.Errorf("id %d out of range", id)
		}
		if id == eosID {
			continue
		}
		b.WriteString(pieces[id])
	}
	return b.String(), nil
}

// fakeModel peaks its logits on choose(last token, absolute position of that
// token). It honours the cache protocol, so wrong positions surface as errors.
type fakeModel struct {
	choose  func(last, pos int) int
	fail    func(pos int) error
	spread  bool
	calls   int
	windows []int
}

func (f *fakeModel) NewCache(enabled bool) *model.KVCache {
	return model.NewKVCache(0, 0, enabled)
}

func (f *fakeModel) Forward(tokens []int, pos int, cache *model.KVCache) ([]float32, error) {
	f.calls++
	f.windows = append(f.windows, len(tokens))
	if err := cache.Begin(pos); err != nil {
		return nil, err
	}
	last := pos + len(tokens) - 1
	if f.fail != nil {
		if err := f.fail(last); err != nil {
			return nil, err
		}
	}
	cache.Advance(len(tokens))

	out := make([]float32, len(pieces))
	want := f.choose(tokens[len(tokens)-1], last)
	for i := range out {
		if f.spread {
			out[i] = float32((i*7+last*3)%5) * 0.3
		} else {
			out[i] = -5
		}
	}
	out[want] += 5
	return out, nil
}

// script returns tokens[i] for the i-th sampled position after a prompt of
// promptLen tokens.
func script(promptLen int, tokens ...int) func(last, pos int) int {
	return func(_, pos int) int {
		i := pos - (promptLen - 1)
		if i < len(tokens) {
			return tokens[i]
		}
		return 0
	}
}

func greedy(n int) Config {
	cfg := DefaultConfig()
	cfg.Temperature = 0
	cfg.SampleLen = n
	cfg.RepeatPenalty = 1
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 1.0, cfg.Temperature)
	assert.Equal(t, 40, cfg.TopK)
	assert.Zero(t, cfg.TopP)
	assert.Equal(t, 128, cfg.SampleLen)
	assert.Equal(t, 1.1, cfg.RepeatPenalty)
	assert.Equal(t, 64, cfg.RepeatLastN)
	assert.True(t, cfg.UseKVCache)
}

func TestGenerateGreedyIsDeterministic(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: func(last, pos int) int { return (last*3 + pos) % 4 }}
	e := NewWithModel(m, fakeTokenizer{}, []int{eosID})

	first, err := e.Generate(context.Background(), "ab c", greedy(5), nil)
	require.NoError(t, err)
	second, err := e.Generate(context.Background(), "ab c", greedy(5), nil)
	require.NoError(t, err)

	assert.Equal(t, first.Tokens, second.Tokens)
	assert.Equal(t, first.Text, second.Text)
	assert.Len(t, first.Tokens, 5)
	assert.Equal(t, 5, first.TokenCount)
	assert.Equal(t, 4, first.PromptTokens)
	assert.Equal(t, MaxLenReached, first.Reason)

	want, _ := fakeTokenizer{}.Decode(first.Tokens)
	assert.Equal(t, want, first.Text)
}

func TestGenerateCachePathsAgree(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: func(last, pos int) int { return (last + 2*pos) % 9 }, spread: true}
	e := NewWithModel(m, fakeTokenizer{}, nil)

	cfg := DefaultConfig()
	cfg.SampleLen = 12
	cfg.Temperature = 0.9
	cfg.TopP = 0.95

	cached, err := e.Generate(context.Background(), "abc", cfg, nil)
	require.NoError(t, err)

	m.windows = nil
	cfg.UseKVCache = false
	fresh, err := e.Generate(context.Background(), "abc", cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, cached.Tokens, fresh.Tokens)
	assert.Equal(t, cached.Text, fresh.Text)
	// Without a cache every step recomputes the whole sequence.
	assert.Equal(t, []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, m.windows)
}

func TestGenerateCachedStepsFeedOneToken(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: func(int, int) int { return 1 }}
	e := NewWithModel(m, fakeTokenizer{}, nil)
	_, err := e.Generate(context.Background(), "abcd", greedy(4), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1, 1, 1}, m.windows)
}

func TestGenerateStopsAtEOS(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: script(2, 0, 1, eosID, 2)}
	e := NewWithModel(m, fakeTokenizer{}, []int{7, eosID})

	var frags []string
	res, err := e.Generate(context.Background(), "ab", greedy(10), func(s string) { frags = append(frags, s) })
	require.NoError(t, err)
	assert.Equal(t, EosReached, res.Reason)
	assert.Equal(t, []int{0, 1}, res.Tokens)
	assert.Equal(t, 3, res.TokenCount, "the EOS token is counted")
	assert.Equal(t, "ab", res.Text)
	assert.Equal(t, []string{"a", "b"}, frags)
	assert.Equal(t, "eos", res.Reason.String())
}

func TestGenerateHoldsSplitCharacters(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: script(1, 4, 5, 0, 4)}
	e := NewWithModel(m, fakeTokenizer{}, []int{eosID})

	var frags []string
	res, err := e.Generate(context.Background(), "a", greedy(4), func(s string) { frags = append(frags, s) })
	require.NoError(t, err)
	// The trailing lone lead byte is released by the final flush.
	assert.Equal(t, []string{"é", "a", "\xc3"}, frags)
	assert.Equal(t, "éa\xc3", res.Text)
}

func TestGenerateReturnsPartialResultOnFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	m := &fakeModel{
		choose: script(1, 1, 2, 3),
		fail: func(pos int) error {
			if pos == 2 {
				return boom
			}
			return nil
		},
	}
	e := NewWithModel(m, fakeTokenizer{}, nil)
	res, err := e.Generate(context.Background(), "a", greedy(5), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, res.Tokens)
	assert.Equal(t, "bc", res.Text)

	m.fail = nil
	res, err = e.Generate(context.Background(), "a", greedy(3), nil)
	require.NoError(t, err, "engine stays usable after a failed call")
	assert.Equal(t, "bcd", res.Text)
}

func TestGenerateRecoversPanics(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: func(int, int) int { panic("kernel exploded") }}
	e := NewWithModel(m, fakeTokenizer{}, nil)
	_, err := e.Generate(context.Background(), "a", greedy(2), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel exploded")
}

func TestGenerateRejectsBadPrompts(t *testing.T) {
	t.Parallel()

	e := NewWithModel(&fakeModel{choose: func(int, int) int { return 0 }}, fakeTokenizer{}, nil)
	_, err := e.Generate(context.Background(), "", greedy(2), nil)
	require.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = e.Generate(context.Background(), "zzz", greedy(2), nil)
	require.Error(t, err)
}

func TestGenerateRejectsNegativeSampleLen(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: func(int, int) int { return 0 }}
	e := NewWithModel(m, fakeTokenizer{}, nil)
	var res Result
	require.NotPanics(t, func() {
		var err error
		res, err = e.Generate(context.Background(), "ab", greedy(-5), nil)
		require.ErrorIs(t, err, ErrInvalidSampleLen)
	})
	assert.Zero(t, res.TokenCount)
	assert.Zero(t, m.calls)

	res, err := e.Generate(context.Background(), "ab", greedy(0), nil)
	require.NoError(t, err)
	assert.Equal(t, MaxLenReached, res.Reason)
	assert.Empty(t, res.Text)
}

func TestGenerateHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m := &fakeModel{choose: func(_, pos int) int {
		if pos == 2 {
			cancel()
		}
		return 1
	}}
	e := NewWithModel(m, fakeTokenizer{}, nil)
	res, err := e.Generate(ctx, "a", greedy(10), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, res.Tokens, 3)
}

func TestRepeatPenaltySteersAwayFromContext(t *testing.T) {
	t.Parallel()

	m := &fakeModel{choose: func(int, int) int { return 0 }}
	// Token 0 wins by a small margin over token 1.
	tweak := &penaltyModel{fakeModel: m}
	e := NewWithModel(tweak, fakeTokenizer{}, nil)

	cfg := greedy(1)
	res, err := e.Generate(context.Background(), "a", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Tokens)

	cfg.RepeatPenalty = 2
	cfg.RepeatLastN = 8
	res, err = e.Generate(context.Background(), "a", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Tokens)
}

type penaltyModel struct{ *fakeModel }

func (p *penaltyModel) Forward(tokens []int, pos int, cache *model.KVCache) ([]float32, error) {
	if _, err := p.fakeModel.Forward(tokens, pos, cache); err != nil {
		return nil, err
	}
	out := make([]float32, len(pieces))
	out[0], out[1] = 1.0, 0.9
	return out, nil
}
