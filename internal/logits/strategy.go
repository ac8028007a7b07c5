package logits

import "fmt"

// Strategy selects how the next token is drawn from a logits vector.
// It is one of Greedy, All, TopK, TopP or TopKThenTopP.
type Strategy interface {
	isStrategy()
	fmt.Stringer
}

// Greedy always picks the highest logit.
type Greedy struct{}

// All samples from the full tempered distribution.
type All struct {
	Temperature float64
}

// TopK samples among the K most probable tokens.
type TopK struct {
	K           int
	Temperature float64
}

// TopP samples from the smallest prefix of the sorted distribution whose
// cumulative mass reaches P.
type TopP struct {
	P           float64
	Temperature float64
}

// TopKThenTopP restricts to the K most probable tokens, then applies nucleus
// filtering inside that set.
type TopKThenTopP struct {
	K           int
	P           float64
	Temperature float64
}

func (Greedy) isStrategy()       {}
func (All) isStrategy()          {}
func (TopK) isStrategy()         {}
func (TopP) isStrategy()         {}
func (TopKThenTopP) isStrategy() {}

func (Greedy) String() string { return "greedy" }
func (s All) String() string  { return fmt.Sprintf("all(t=%g)", s.Temperature) }
func (s TopK) String() string { return fmt.Sprintf("top-k(k=%d, t=%g)", s.K, s.Temperature) }
func (s TopP) String() string { return fmt.Sprintf("top-p(p=%g, t=%g)", s.P, s.Temperature) }
func (s TopKThenTopP) String() string {
	return fmt.Sprintf("top-k-top-p(k=%d, p=%g, t=%g)", s.K, s.P, s.Temperature)
}

// SelectStrategy maps generation options to a strategy. A non-positive
// temperature means greedy decoding; topK <= 0 and topP <= 0 mean unset.
func SelectStrategy(temperature float64, topK int, topP float64) Strategy {
	if temperature <= 0 {
		return Greedy{}
	}
	switch {
	case topK <= 0 && topP <= 0:
		return All{Temperature: temperature}
	case topP <= 0:
		return TopK{K: topK, Temperature: temperature}
	case topK <= 0:
		return TopP{P: topP, Temperature: temperature}
	default:
		return TopKThenTopP{K: topK, P: topP, Temperature: temperature}
	}
}
