package logits

// ApplyRepeatPenalty discourages every distinct token in context. Positive
// logits are divided by penalty and the rest multiplied, so both move toward
// less likely. A penalty of 1 leaves logits untouched; ids outside the
// vocabulary are ignored.
func ApplyRepeatPenalty(logits []float32, penalty float32, context []int) {
	if penalty == 1 || len(context) == 0 {
		return
	}
	seen := make(map[int]struct{}, len(context))
	for _, id := range context {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] >= 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// PenaltyWindow returns the trailing lastN tokens of tokens.
func PenaltyWindow(tokens []int, lastN int) []int {
	if lastN <= 0 {
		return nil
	}
	start := max(len(tokens)-lastN, 0)
	return tokens[start:]
}
