package perplexity

import (
	"strings"
	"unicode/utf8"
)

// toValidUTF8 replaces each maximal invalid subpart of s with U+FFFD, so a
// truncated multi-byte sequence becomes one replacement character and each
// stray byte becomes its own.
func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size > 1 {
			b.WriteString(s[i : i+size])
			i += size
			continue
		}
		b.WriteRune(utf8.RuneError)
		i += invalidSubpartLen(s[i:])
	}
	return b.String()
}

// invalidSubpartLen returns how many leading bytes of s form the longest
// prefix of some well-formed sequence, or 1 when s[0] cannot start one.
func invalidSubpartLen(s string) int {
	lo, hi := byte(0x80), byte(0xBF)
	var n int
	switch c := s[0]; {
	case c >= 0xC2 && c <= 0xDF:
		n = 2
	case c == 0xE0:
		n, lo = 3, 0xA0
	case c == 0xED:
		n, hi = 3, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		n = 3
	case c == 0xF0:
		n, lo = 4, 0x90
	case c == 0xF4:
		n, hi = 4, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		n = 4
	default:
		return 1
	}
	i := 1
	for ; i < n && i < len(s); i++ {
		if s[i] < lo || s[i] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return i
}
