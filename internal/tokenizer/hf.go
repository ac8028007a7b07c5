package tokenizer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// HFTokenizer implements the BPE subset of the Hugging Face tokenizer.json
// format: byte-level vocabularies (GPT-2, Llama 3) and SentencePiece-style
// vocabularies using the ▁ metaspace with optional byte fallback.
type HFTokenizer struct {
	encoder  map[string]int
	decoder  []string
	bpeRanks map[Pair]int

	mu    sync.Mutex
	cache map[string][]string

	byteEncoder  map[byte]string
	byteDecoder  map[rune]byte
	normalize    normalizer
	split        *splitter
	byteLevel    bool
	byteFallback bool
	ignoreMerges bool

	added   []string
	special map[int]bool

	addBOS bool
	addEOS bool
	bosID  int
	eosID  int
	unkID  int
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		ByteFallback bool           `json:"byte_fallback"`
		UnkToken     *string        `json:"unk_token"`
	} `json:"model"`
	Normalizer    *component `json:"normalizer"`
	PreTokenizer  *component `json:"pre_tokenizer"`
	Decoder       *component `json:"decoder"`
	PostProcessor struct {
		Type       string          `json:"type"`
		Single     []templatePiece `json:"single"`
		Processors []struct {
			Type          string                  `json:"type"`
			Single        []templatePiece         `json:"single"`
			SpecialTokens map[string]specialToken `json:"special_tokens"`
		} `json:"processors"`
		SpecialTokens map[string]specialToken `json:"special_tokens"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type specialToken struct {
	IDs []int `json:"ids"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

type hfTokenizerConfig struct {
	AddBOS *bool `json:"add_bos_token"`
	AddEOS *bool `json:"add_eos_token"`
	BOS    any   `json:"bos_token"`
	EOS    any   `json:"eos_token"`
}

// LoadHFTokenizer reads tokenizer.json and an optional tokenizer_config.json.
func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	return LoadHFTokenizerBytes(data, cfg)
}

// LoadHFTokenizerBytes builds a tokenizer from the raw tokenizer.json bytes.
// tokConfig may be nil.
func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %q", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json: empty vocabulary")
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer.json: negative id %d for %q", id, tok)
		}
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}

	special := make(map[int]bool)
	added := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		if at.ID < 0 || at.Content == "" {
			continue
		}
		decoder[at.ID] = at.Content
		encoder[at.Content] = at.ID
		added = append(added, at.Content)
		if at.Special {
			special[at.ID] = true
		}
	}

	bpeRanks := make(map[Pair]int, len(tj.Model.Merges))
	for _, raw := range tj.Model.Merges {
		p, ok := parseMerge(raw)
		if !ok {
			continue
		}
		if _, dup := bpeRanks[p]; !dup {
			bpeRanks[p] = len(bpeRanks)
		}
	}

	norm, err := buildNormalizer(tj.Normalizer)
	if err != nil {
		return nil, err
	}
	split, err := buildSplitter(tj.PreTokenizer)
	if err != nil {
		return nil, err
	}
	byteLevel := split.byteLevel || (tj.Decoder != nil && hasComponent(tj.Decoder, "ByteLevel"))
	byteEncoder, byteDecoder := bytesToUnicode()

	tok := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		normalize:    norm,
		split:        split,
		byteLevel:    byteLevel,
		byteFallback: tj.Model.ByteFallback,
		ignoreMerges: tj.Model.IgnoreMerges,
		added:        longestFirst(added),
		special:      special,
		bosID:        -1,
		eosID:        -1,
		unkID:        -1,
	}
	if tj.Model.UnkToken != nil {
		if id, ok := encoder[*tj.Model.UnkToken]; ok {
			tok.unkID = id
		}
	}

	if len(tokConfig) > 0 {
		tok.applyConfig(tokConfig)
	}
	tok.applyPostProcessor(&tj)
	if tok.eosID < 0 {
		if id, ok := encoder["</s>"]; ok {
			tok.eosID = id
		}
	}
	return tok, nil
}

// applyPostProcessor enables BOS insertion when a TemplateProcessing step
// places a special token before the sequence. It wins over add_bos_token.
func (t *HFTokenizer) applyPostProcessor(tj *hfTokenizerJSON) {
	pp := tj.PostProcessor
	single, specials := pp.Single, pp.SpecialTokens
	if pp.Type != "TemplateProcessing" {
		single, specials = nil, nil
		for _, proc := range pp.Processors {
			if proc.Type == "TemplateProcessing" {
				single, specials = proc.Single, proc.SpecialTokens
				break
			}
		}
	}
	if len(specials) == 0 && len(single) == 0 {
		return
	}
	var name string
	if len(single) > 0 && single[0].SpecialToken != nil {
		name = single[0].SpecialToken.ID
	} else {
		for _, candidate := range []string{"bos", "<s>", "<|begin_of_text|>"} {
			if _, ok := specials[candidate]; ok {
				name = candidate
				break
			}
		}
	}
	if name == "" {
		return
	}
	if spec, ok := specials[name]; ok && len(spec.IDs) > 0 {
		t.bosID, t.addBOS = spec.IDs[0], true
		return
	}
	if id, ok := t.encoder[name]; ok {
		t.bosID, t.addBOS = id, true
	}
}

func (t *HFTokenizer) applyConfig(raw []byte) {
	var cfg hfTokenizerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return
	}
	if id, ok := t.encoder[tokenContent(cfg.BOS)]; ok {
		t.bosID = id
	}
	if id, ok := t.encoder[tokenContent(cfg.EOS)]; ok {
		t.eosID = id
	}
	if cfg.AddBOS != nil {
		t.addBOS = *cfg.AddBOS
	}
	if cfg.AddEOS != nil {
		t.addEOS = *cfg.AddEOS
	}
}

// tokenContent handles both "bos_token": "<s>" and the AddedToken object form.
func tokenContent(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case map[string]any:
		s, _ := tv["content"].(string)
		return s
	default:
		return ""
	}
}

func hasComponent(c *component, typ string) bool {
	if c == nil {
		return false
	}
	if c.Type == typ {
		return true
	}
	for i := range c.Decoders {
		if hasComponent(&c.Decoders[i], typ) {
			return true
		}
	}
	return false
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for i, part := range splitAdded(text, t.added) {
		if part.isAdded {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		normalized := part.text
		if t.normalize != nil {
			normalized = t.normalize(normalized)
		}
		for _, word := range t.split.words(normalized, i == 0) {
			var err error
			ids, err = t.encodeWord(ids, word)
			if err != nil {
				return nil, err
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) encodeWord(ids []int, word string) ([]int, error) {
	if t.byteLevel {
		word = t.byteEncode(word)
	}
	for _, sym := range t.bpe(word) {
		if id, ok := t.encoder[sym]; ok {
			ids = append(ids, id)
			continue
		}
		if t.byteFallback {
			fallback, ok := t.byteFallbackIDs(sym)
			if ok {
				ids = append(ids, fallback...)
				continue
			}
		}
		if t.unkID >= 0 {
			ids = append(ids, t.unkID)
			continue
		}
		return nil, fmt.Errorf("unknown token: %q", sym)
	}
	return ids, nil
}

func (t *HFTokenizer) byteFallbackIDs(sym string) ([]int, bool) {
	out := make([]int, 0, len(sym))
	for i := 0; i < len(sym); i++ {
		id, ok := t.encoder[fmt.Sprintf("<0x%02X>", sym[i])]
		if !ok {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}

// Decode maps ids back to bytes. Special tokens are skipped.
func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if t.special[id] {
			continue
		}
		b = t.appendToken(b, t.decoder[id])
	}
	return string(b), nil
}

func (t *HFTokenizer) appendToken(b []byte, token string) []byte {
	if t.byteLevel {
		for _, r := range token {
			if by, ok := t.byteDecoder[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
		return b
	}
	if by, ok := parseByteToken(token); ok {
		return append(b, by)
	}
	return append(b, strings.ReplaceAll(token, metaspace, " ")...)
}

// parseByteToken recognises SentencePiece byte tokens such as <0x0A>.
func parseByteToken(token string) (byte, bool) {
	if len(token) != 6 || !strings.HasPrefix(token, "<0x") || token[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(token[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *HFTokenizer) BOSID() int   { return t.bosID }
func (t *HFTokenizer) EOSID() int   { return t.eosID }
func (t *HFTokenizer) AddBOS() bool { return t.addBOS }
func (t *HFTokenizer) AddEOS() bool { return t.addEOS }

// VocabSize is the number of addressable ids, including added tokens.
func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

// TokenID looks up the id of an exact vocabulary entry or added token.
func (t *HFTokenizer) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(t.byteEncoder[s[i]])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.mu.Lock()
	cached, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return cached
	}

	var word []string
	if _, inVocab := t.encoder[token]; t.ignoreMerges && inVocab {
		word = []string{token}
	} else {
		word = splitRunes(token)
		for len(word) > 1 {
			p, found := bestPair(word, t.bpeRanks)
			if !found {
				break
			}
			word = mergePair(word, p)
		}
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}
