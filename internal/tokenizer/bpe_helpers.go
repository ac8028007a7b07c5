package tokenizer

import (
	"sort"
	"strings"
)

// Pair represents a pair of adjacent BPE symbols.
type Pair struct {
	A string
	B string
}

type textPart struct {
	text    string
	isAdded bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// bestPair returns the lowest-ranked adjacent pair in word.
func bestPair(word []string, ranks map[Pair]int) (Pair, bool) {
	best := Pair{}
	bestRank := int(^uint(0) >> 1)
	found := false
	for i := 0; i+1 < len(word); i++ {
		p := Pair{A: word[i], B: word[i+1]}
		if rank, ok := ranks[p]; ok && rank < bestRank {
			best, bestRank, found = p, rank, true
		}
	}
	return best, found
}

func mergePair(word []string, pair Pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// parseMerge accepts both the "a b" string form and the ["a","b"] array form.
func parseMerge(raw any) (Pair, bool) {
	switch v := raw.(type) {
	case string:
		line := strings.TrimSpace(v)
		if line == "" || strings.HasPrefix(line, "#") {
			return Pair{}, false
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			return Pair{}, false
		}
		return Pair{A: a, B: b}, true
	case []any:
		if len(v) != 2 {
			return Pair{}, false
		}
		a, aok := v[0].(string)
		b, bok := v[1].(string)
		return Pair{A: a, B: b}, aok && bok
	default:
		return Pair{}, false
	}
}

// longestFirst orders added tokens so that the longest match wins.
func longestFirst(tokens []string) []string {
	out := append([]string(nil), tokens...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// splitAdded cuts text around occurrences of added tokens, which bypass the
// model vocabulary and BPE.
func splitAdded(text string, added []string) []textPart {
	if len(added) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, tok := range added {
			if tok != "" && strings.HasPrefix(text[i:], tok) {
				match = tok
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isAdded: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

// bytesToUnicode maps bytes to printable runes so that byte-level BPE
// vocabularies never contain whitespace or control characters.
func bytesToUnicode() (map[byte]string, map[rune]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}
	seen := make(map[int]bool, len(bs))
	for _, b := range bs {
		seen[b] = true
	}
	cs := append([]int(nil), bs...)
	n := 0
	for b := 0; b < 256; b++ {
		if !seen[b] {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[rune]byte, len(bs))
	for i := range bs {
		b := byte(bs[i])
		r := rune(cs[i])
		byteEncoder[b] = string(r)
		byteDecoder[r] = b
	}
	return byteEncoder, byteDecoder
}
