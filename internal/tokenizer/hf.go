package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/goccy/go-json"
)

const (
	TokenizerFileName = "tokenizer.json"
	ConfigFileName    = "tokenizer_config.json"
)

// gpt2Pattern is the byte-level pre-tokeniser used when tokenizer.json does
// not carry its own Split regex. The trailing-whitespace lookahead needs a
// backtracking engine, hence regexp2.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// maxCachedWords caps the BPE memo. A warm tokenizer sees unbounded distinct
// words over its lifetime, so the memo is dropped whenever it fills up.
const maxCachedWords = 8192

// HFTokenizer is a byte-level BPE tokenizer loaded from a Hugging Face
// tokenizer.json. It is not safe for concurrent use: merges are memoised in
// an unsynchronised cache.
type HFTokenizer struct {
	encoder        map[string]int
	decoder        []string
	bpeRanks       map[Pair]int
	cache          map[string][]string
	byteEncoder    map[byte]string
	byteDecoder    map[rune]byte
	pattern        *regexp2.Regexp
	addPrefixSpace bool
	addBOS         bool
	addEOS         bool
	bosID          int
	eosID          int
	unkID          int
	ignoreMerges   bool
	special        []string
	specialIDs     map[int]struct{}
}

type hfPreTokenizer struct {
	Type           string `json:"type"`
	AddPrefixSpace bool   `json:"add_prefix_space"`
	UseRegex       *bool  `json:"use_regex"`
	Pattern        struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
	Pretokenizers []hfPreTokenizer `json:"pretokenizers"`
}

type hfTemplatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
}

type hfPostProcessor struct {
	Type          string            `json:"type"`
	Single        []hfTemplatePiece `json:"single"`
	SpecialTokens map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
	Processors []hfPostProcessor `json:"processors"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  *hfPreTokenizer  `json:"pre_tokenizer"`
	PostProcessor *hfPostProcessor `json:"post_processor"`
	AddedTokens   []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS *bool           `json:"add_bos_token"`
	AddEOS bool            `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
}

// LoadDir loads tokenizer.json and, when present, tokenizer_config.json from
// a model snapshot directory.
func LoadDir(dir string) (*HFTokenizer, error) {
	cfg := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(cfg); err != nil {
		cfg = ""
	}
	return LoadHFTokenizer(filepath.Join(dir, TokenizerFileName), cfg)
}

func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		raw, err := os.ReadFile(tokConfig)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = raw
	}
	return LoadHFTokenizerBytes(data, cfg)
}

func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", TokenizerFileName, err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for token %q", id, tok)
		}
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			return nil, fmt.Errorf("negative id %d for added token %q", at.ID, at.Content)
		}
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	bpeRanks, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	pat, prefixSpace := preTokenizerPattern(tj.PreTokenizer)
	re, err := regexp2.Compile(pat, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer regex: %w", err)
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
		}
	}

	addBOS := cfg.AddBOS != nil && *cfg.AddBOS
	bosID := lookup(encoder, tokenContent(cfg.BOS))
	eosID := lookup(encoder, tokenContent(cfg.EOS))
	// A TemplateProcessing post-processor that opens with a special token is
	// how tokenizer.json says "prepend BOS". An explicit add_bos_token in
	// tokenizer_config.json still wins.
	if id, ok := templateBOS(tj.PostProcessor); ok {
		bosID = id
		if cfg.AddBOS == nil {
			addBOS = true
		}
	}

	var specials []string
	specialIDs := make(map[int]struct{})
	for _, at := range tj.AddedTokens {
		if at.Special {
			specials = append(specials, at.Content)
			specialIDs[at.ID] = struct{}{}
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	return &HFTokenizer{
		encoder:        encoder,
		decoder:        decoder,
		bpeRanks:       bpeRanks,
		cache:          make(map[string][]string),
		byteEncoder:    byteEncoder,
		byteDecoder:    byteDecoder,
		pattern:        re,
		addPrefixSpace: prefixSpace,
		addBOS:         addBOS,
		addEOS:         cfg.AddEOS,
		bosID:          bosID,
		eosID:          eosID,
		unkID:          lookup(encoder, tj.Model.UnkToken),
		ignoreMerges:   tj.Model.IgnoreMerges,
		special:        sortSpecials(specials),
		specialIDs:     specialIDs,
	}, nil
}

// parseMerges accepts both the "a b" string form and the newer [a, b] pair
// form of the merges list. Earlier entries have higher priority. Rules may
// start with '#' ("# #" builds "##"), so only a merges.txt "#version" header
// is skipped.
func parseMerges(merges []any) (map[Pair]int, error) {
	ranks := make(map[Pair]int, len(merges))
	rank := 0
	for i, raw := range merges {
		var p Pair
		switch v := raw.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || (i == 0 && strings.HasPrefix(line, "#version")) {
				continue
			}
			a, b, ok := strings.Cut(line, " ")
			if !ok || strings.Contains(b, " ") {
				return nil, fmt.Errorf("merge %d: malformed rule %q", i, v)
			}
			p = Pair{A: a, B: b}
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("merge %d: expected a pair, got %d items", i, len(v))
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("merge %d: non-string pair", i)
			}
			p = Pair{A: a, B: b}
		default:
			return nil, fmt.Errorf("merge %d: unexpected type %T", i, raw)
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks, nil
}

// preTokenizerPattern walks the pre_tokenizer tree. A Split regex takes
// precedence; ByteLevel contributes add_prefix_space and, when use_regex is
// on, the GPT-2 pattern.
func preTokenizerPattern(pre *hfPreTokenizer) (string, bool) {
	if pre == nil {
		return gpt2Pattern, false
	}
	var split string
	var prefixSpace bool
	var walk func(p hfPreTokenizer)
	walk = func(p hfPreTokenizer) {
		switch p.Type {
		case "Split":
			if split == "" && p.Pattern.Regex != "" {
				split = p.Pattern.Regex
			}
		case "ByteLevel":
			prefixSpace = prefixSpace || p.AddPrefixSpace
		case "Sequence":
			for _, child := range p.Pretokenizers {
				walk(child)
			}
		}
	}
	walk(*pre)
	if split != "" {
		return split, prefixSpace
	}
	return gpt2Pattern, prefixSpace
}

func templateBOS(post *hfPostProcessor) (int, bool) {
	if post == nil {
		return 0, false
	}
	if post.Type == "TemplateProcessing" && len(post.Single) > 0 && post.Single[0].SpecialToken != nil {
		if spec, ok := post.SpecialTokens[post.Single[0].SpecialToken.ID]; ok && len(spec.IDs) > 0 {
			return spec.IDs[0], true
		}
	}
	for i := range post.Processors {
		if id, ok := templateBOS(&post.Processors[i]); ok {
			return id, true
		}
	}
	return 0, false
}

// tokenContent reads a special token that tokenizer_config.json may store
// either as a bare string or as an AddedToken object.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

func lookup(encoder map[string]int, tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := encoder[tok]; ok {
		return id
	}
	return -1
}

// Encode converts text to token ids. Special tokens that appear verbatim in
// text map straight to their ids.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	if t.addPrefixSpace && text != "" && !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		pieces, err := t.pretokenize(part.text)
		if err != nil {
			return nil, err
		}
		for _, piece := range pieces {
			for _, sym := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", sym)
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) pretokenize(s string) ([]string, error) {
	var out []string
	m, err := t.pattern.FindStringMatch(s)
	for m != nil && err == nil {
		out = append(out, m.String())
		m, err = t.pattern.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}
	return out, nil
}

// Decode maps ids back to bytes. The result may hold partial UTF-8 sequences
// when ids split a multi-byte character; callers decide how to render those.
func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if _, ok := t.specialIDs[id]; ok {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *HFTokenizer) BOSID() int     { return t.bosID }
func (t *HFTokenizer) EOSID() int     { return t.eosID }
func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.remember(token, out)
			return out
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.remember(token, word)
	return word
}

func (t *HFTokenizer) remember(token string, word []string) {
	if len(t.cache) >= maxCachedWords {
		clear(t.cache)
	}
	t.cache[token] = word
}
