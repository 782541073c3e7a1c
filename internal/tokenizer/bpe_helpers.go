package tokenizer

import (
	"slices"
	"strings"
)

// Pair is two adjacent symbols that a merge rule may join.
type Pair struct {
	A string
	B string
}

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func getPairs(word []string) map[Pair]struct{} {
	pairs := make(map[Pair]struct{})
	if len(word) < 2 {
		return pairs
	}
	prev := word[0]
	for _, w := range word[1:] {
		pairs[Pair{A: prev, B: w}] = struct{}{}
		prev = w
	}
	return pairs
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

// sortSpecials orders special tokens longest first so that a token which is
// a prefix of another never wins the match.
func sortSpecials(specials []string) []string {
	out := slices.Clone(specials)
	slices.SortStableFunc(out, func(a, b string) int { return len(b) - len(a) })
	return slices.Compact(out)
}

func containsAny(text string, specials []string) bool {
	for _, sp := range specials {
		if strings.Contains(text, sp) {
			return true
		}
	}
	return false
}

// splitSpecials cuts text around verbatim occurrences of special tokens.
// Special tokens bypass pre-tokenisation and BPE entirely.
func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !containsAny(text, specials) {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if sp != "" && strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
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

// bytesToUnicode maps every byte to a printable rune so byte-level BPE
// vocabularies never contain raw control characters or spaces.
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

	cs := slices.Clone(bs)
	n := 0
	for b := 0; b < 256; b++ {
		if slices.Contains(bs, b) {
			continue
		}
		bs = append(bs, b)
		cs = append(cs, 256+n)
		n++
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

// ByteLevelAlphabet returns the vocabulary symbol that byte-level BPE uses for
// each byte value.
func ByteLevelAlphabet() [256]string {
	enc, _ := bytesToUnicode()
	var out [256]string
	for b := range out {
		out[b] = enc[byte(b)]
	}
	return out
}
