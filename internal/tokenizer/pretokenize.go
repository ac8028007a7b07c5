package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// gpt2Pattern is the default ByteLevel split. The trailing-whitespace
// lookahead is why this uses regexp2 rather than regexp.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

const metaspace = "▁"

// component is the union of the normalizer, pre_tokenizer and decoder nodes
// found in tokenizer.json. Only the fields we act on are decoded.
type component struct {
	Type string `json:"type"`

	Normalizers   []component `json:"normalizers"`
	Pretokenizers []component `json:"pretokenizers"`
	Decoders      []component `json:"decoders"`

	Prepend string `json:"prepend"`
	Content string `json:"content"`
	Pattern struct {
		String string `json:"String"`
		Regex  string `json:"Regex"`
	} `json:"pattern"`

	AddPrefixSpace *bool  `json:"add_prefix_space"`
	UseRegex       *bool  `json:"use_regex"`
	Replacement    string `json:"replacement"`
	PrependScheme  string `json:"prepend_scheme"`
	Split          *bool  `json:"split"`
}

type normalizer func(string) string

func buildNormalizer(c *component) (normalizer, error) {
	if c == nil || c.Type == "" {
		return nil, nil
	}
	switch c.Type {
	case "Sequence":
		var steps []normalizer
		for i := range c.Normalizers {
			n, err := buildNormalizer(&c.Normalizers[i])
			if err != nil {
				return nil, err
			}
			if n != nil {
				steps = append(steps, n)
			}
		}
		if len(steps) == 0 {
			return nil, nil
		}
		return func(s string) string {
			for _, step := range steps {
				s = step(s)
			}
			return s
		}, nil
	case "NFC":
		return norm.NFC.String, nil
	case "NFD":
		return norm.NFD.String, nil
	case "NFKC":
		return norm.NFKC.String, nil
	case "NFKD":
		return norm.NFKD.String, nil
	case "Lowercase":
		return strings.ToLower, nil
	case "Prepend":
		prefix := c.Prepend
		return func(s string) string {
			if s == "" {
				return s
			}
			return prefix + s
		}, nil
	case "Replace":
		if c.Pattern.Regex != "" {
			re, err := regexp2.Compile(c.Pattern.Regex, regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("normalizer replace pattern: %w", err)
			}
			content := c.Content
			return func(s string) string {
				out, err := re.Replace(s, content, -1, -1)
				if err != nil {
					return s
				}
				return out
			}, nil
		}
		from, to := c.Pattern.String, c.Content
		return func(s string) string { return strings.ReplaceAll(s, from, to) }, nil
	case "Strip":
		return strings.TrimSpace, nil
	default:
		return nil, fmt.Errorf("unsupported normalizer %q", c.Type)
	}
}

// splitter turns normalized text into BPE words.
type splitter struct {
	byteLevel      bool
	addPrefixSpace bool
	pattern        *regexp2.Regexp

	metaspace     bool
	replacement   string
	prependScheme string
	splitWords    bool
}

func buildSplitter(c *component) (*splitter, error) {
	s := &splitter{}
	if err := s.visit(c); err != nil {
		return nil, err
	}
	if s.byteLevel && s.pattern == nil {
		s.pattern = regexp2.MustCompile(gpt2Pattern, regexp2.None)
	}
	return s, nil
}

func (s *splitter) visit(c *component) error {
	if c == nil {
		return nil
	}
	switch c.Type {
	case "":
	case "Sequence":
		for i := range c.Pretokenizers {
			if err := s.visit(&c.Pretokenizers[i]); err != nil {
				return err
			}
		}
	case "Split":
		if c.Pattern.Regex != "" {
			re, err := regexp2.Compile(c.Pattern.Regex, regexp2.None)
			if err != nil {
				return fmt.Errorf("pre_tokenizer split pattern: %w", err)
			}
			s.pattern = re
		}
	case "ByteLevel":
		s.byteLevel = true
		if c.AddPrefixSpace != nil {
			s.addPrefixSpace = *c.AddPrefixSpace
		}
		if c.UseRegex != nil && !*c.UseRegex && s.pattern == nil {
			s.pattern = regexp2.MustCompile(`(?s).+`, regexp2.None)
		}
	case "Metaspace":
		s.metaspace = true
		s.replacement = c.Replacement
		if s.replacement == "" {
			s.replacement = metaspace
		}
		s.prependScheme = c.PrependScheme
		if s.prependScheme == "" {
			s.prependScheme = "always"
			if c.AddPrefixSpace != nil && !*c.AddPrefixSpace {
				s.prependScheme = "never"
			}
		}
		s.splitWords = c.Split == nil || *c.Split
	case "Whitespace":
		s.pattern = regexp2.MustCompile(`\w+|[^\w\s]+`, regexp2.None)
	case "WhitespaceSplit":
		s.pattern = regexp2.MustCompile(`\S+`, regexp2.None)
	default:
		return fmt.Errorf("unsupported pre_tokenizer %q", c.Type)
	}
	return nil
}

// words splits one contiguous run of ordinary text. first reports whether the
// run starts the input, which matters for the "first" prepend scheme.
func (s *splitter) words(text string, first bool) []string {
	if text == "" {
		return nil
	}
	if s.byteLevel && s.addPrefixSpace && first && !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	if s.metaspace {
		text = strings.ReplaceAll(text, " ", s.replacement)
		prepend := s.prependScheme == "always" || (s.prependScheme == "first" && first)
		if prepend && !strings.HasPrefix(text, s.replacement) {
			text = s.replacement + text
		}
		if !s.splitWords {
			return []string{text}
		}
		return splitBefore(text, s.replacement)
	}
	if s.pattern == nil {
		return []string{text}
	}
	var out []string
	m, err := s.pattern.FindStringMatch(text)
	for m != nil && err == nil {
		out = append(out, m.String())
		m, err = s.pattern.FindNextMatch(m)
	}
	return out
}

// splitBefore cuts s so that every piece after the first begins with sep.
func splitBefore(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); {
		if i > start && strings.HasPrefix(s[i:], sep) {
			out = append(out, s[start:i])
			start = i
			i += len(sep)
			continue
		}
		i++
	}
	return append(out, s[start:])
}
