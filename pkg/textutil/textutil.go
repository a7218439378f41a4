// Package textutil provides text processing helpers shared by the retrieval
// and evaluation pipelines: tokenisation, UTF-8 sanitising, and the string
// similarity primitives used for intrinsic scoring.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// stopwords is the standard English stoplist applied before keyword matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "he": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "how": true, "do": true, "does": true, "can": true, "should": true,
}

// IsStopword reports whether the lowercased token is on the English stoplist.
func IsStopword(token string) bool {
	return stopwords[strings.ToLower(token)]
}

// Tokenize splits a query into lowercased search tokens. Non-alphanumeric
// runes are stripped and tokens of length <= minLen are dropped.
func Tokenize(text string, minLen int) []string {
	var tokens []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		var b strings.Builder
		for _, r := range field {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		token := b.String()
		if len(token) > minLen {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// KeywordSet extracts the alphabetic tokens of at least three characters that
// are not stopwords, as a set. This is the K(x) primitive of the intrinsic
// evaluation metrics.
func KeywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		var b strings.Builder
		for _, r := range field {
			if unicode.IsLetter(r) {
				b.WriteRune(r)
			}
		}
		token := b.String()
		if utf8.RuneCountInString(token) >= 3 && !stopwords[token] {
			set[token] = true
		}
	}
	return set
}

// Jaccard computes the Jaccard similarity of two keyword sets.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Levenshtein computes the edit distance between two strings at rune level.
// It uses the two-row dynamic programming variant to bound allocation.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// Clamp01 clamps v to the closed interval [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StripQuotes removes one level of surrounding quotation marks, including the
// CJK corner quotes LLMs are fond of.
func StripQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, pair := range [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"「", "」"}} {
		if strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) && len(s) > len(pair[0])+len(pair[1]) {
			return strings.TrimSpace(s[len(pair[0]) : len(s)-len(pair[1])])
		}
	}
	return s
}

// SafeUTF8Truncate truncates a UTF-8 string to a maximum number of bytes
// without breaking multi-byte character boundaries.
func SafeUTF8Truncate(str string, maxBytes int) string {
	if len(str) <= maxBytes {
		return str
	}

	// Ensure we don't truncate in the middle of a multi-byte character
	for i := maxBytes; i >= 0 && i > maxBytes-4; i-- {
		if utf8.ValidString(str[:i]) {
			return str[:i]
		}
	}

	return ""
}

// SanitizeUTF8 validates and cleans a string to ensure it contains only
// valid UTF-8 characters. Invalid byte sequences are removed.
func SanitizeUTF8(str string) string {
	if utf8.ValidString(str) {
		return str
	}

	var buf strings.Builder
	buf.Grow(len(str))

	for len(str) > 0 {
		r, size := utf8.DecodeRuneInString(str)
		if r == utf8.RuneError && size == 1 {
			// Skip invalid byte
			str = str[1:]
		} else {
			buf.WriteRune(r)
			str = str[size:]
		}
	}

	return buf.String()
}
