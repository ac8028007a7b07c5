package logits

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ErrInvalidDistribution is returned when the candidate probabilities do not
// form a usable distribution, e.g. all logits are NaN.
var ErrInvalidDistribution = errors.New("invalid sampling distribution")

// Sampler draws token ids according to a Strategy from a seeded source. Two
// samplers built with the same seed and strategy produce the same sequence
// for the same logits.
type Sampler struct {
	rng      *rand.Rand
	strategy Strategy

	prob []float64
	idx  []int
}

// NewSampler returns a sampler. A nil strategy means Greedy.
func NewSampler(seed uint64, strategy Strategy) *Sampler {
	if strategy == nil {
		strategy = Greedy{}
	}
	return &Sampler{
		rng:      rand.New(rand.NewSource(int64(seed))),
		strategy: strategy,
	}
}

func (s *Sampler) Strategy() Strategy { return s.strategy }

// Sample picks the next token id. logits is not modified.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, errors.New("sample: empty logits")
	}
	switch st := s.strategy.(type) {
	case Greedy:
		return argmax(logits), nil
	case All:
		return s.multinomial(s.softmax(logits, st.Temperature))
	case TopK:
		prob := s.softmax(logits, st.Temperature)
		if st.K >= len(prob) {
			return s.multinomial(prob)
		}
		return s.fromTop(prob, st.K, 1)
	case TopP:
		prob := s.softmax(logits, st.Temperature)
		if st.P <= 0 || st.P >= 1 {
			return s.multinomial(prob)
		}
		s.nucleus(prob, s.sortedDesc(prob), st.P)
		return s.multinomial(prob)
	case TopKThenTopP:
		prob := s.softmax(logits, st.Temperature)
		if st.K >= len(prob) {
			if st.P > 0 && st.P < 1 {
				s.nucleus(prob, s.sortedDesc(prob), st.P)
			}
			return s.multinomial(prob)
		}
		return s.fromTop(prob, st.K, st.P)
	default:
		return 0, fmt.Errorf("sample: unknown strategy %T", s.strategy)
	}
}

// fromTop samples among the k most probable entries, applying nucleus
// filtering with p when p lies strictly inside the kept mass.
func (s *Sampler) fromTop(prob []float64, k int, p float64) (int, error) {
	order := s.sortedDesc(prob)[:k]
	sub := make([]float64, k)
	var mass float64
	for i, id := range order {
		sub[i] = prob[id]
		mass += sub[i]
	}
	if p > 0 && p < mass {
		local := make([]int, k)
		for i := range local {
			local[i] = i
		}
		s.nucleus(sub, local, p)
	}
	i, err := s.multinomial(sub)
	if err != nil {
		return 0, err
	}
	return order[i], nil
}

// nucleus walks order (most probable first) and zeroes every entry after the
// running mass has reached p.
func (s *Sampler) nucleus(prob []float64, order []int, p float64) {
	var cum float64
	for _, id := range order {
		if cum >= p {
			prob[id] = 0
			continue
		}
		cum += prob[id]
	}
}

func (s *Sampler) softmax(logits []float32, temperature float64) []float64 {
	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
	}
	prob := s.prob[:len(logits)]
	maxv := math.Inf(-1)
	for i, l := range logits {
		prob[i] = float64(l) / temperature
		if prob[i] > maxv {
			maxv = prob[i]
		}
	}
	var sum float64
	for i := range prob {
		prob[i] = math.Exp(prob[i] - maxv)
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}
	return prob
}

// sortedDesc returns indices ordered by descending probability, lower index
// first on ties.
func (s *Sampler) sortedDesc(prob []float64) []int {
	if cap(s.idx) < len(prob) {
		s.idx = make([]int, len(prob))
	}
	idx := s.idx[:len(prob)]
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return prob[idx[a]] > prob[idx[b]] })
	return idx
}

// multinomial draws an index with probability proportional to its weight.
func (s *Sampler) multinomial(weights []float64) (int, error) {
	var total float64
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return 0, ErrInvalidDistribution
		}
		total += w
	}
	if total <= 0 || math.IsInf(total, 0) {
		return 0, ErrInvalidDistribution
	}
	r := s.rng.Float64() * total
	var cum float64
	last := -1
	for i, w := range weights {
		if w == 0 {
			continue
		}
		cum += w
		last = i
		if r < cum {
			return i, nil
		}
	}
	return last, nil
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
