// Package textutil provides tokenization, sentence splitting and string
// similarity for mention contexts.
package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var tokenizeRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize extracts word tokens from text (Unicode-aware, like \b\w+\b).
func Tokenize(text string) []string {
	return tokenizeRe.FindAllString(text, -1)
}

// TokenSpans returns the byte spans of the tokens Tokenize would return.
func TokenSpans(text string) [][2]int {
	locs := tokenizeRe.FindAllStringIndex(text, -1)
	spans := make([][2]int, len(locs))
	for i, l := range locs {
		spans[i] = [2]int{l[0], l[1]}
	}
	return spans
}

var (
	newlineRe    = regexp.MustCompile(`[\n\r]`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// NormalizeWhitespaces replaces newlines and multiple whitespace with a single space.
func NormalizeWhitespaces(text string) string {
	text = newlineRe.ReplaceAllString(text, " ")
	return multiSpaceRe.ReplaceAllString(text, " ")
}

// Normalize lowercases text and normalizes whitespace.
func Normalize(text string) string {
	return NormalizeWhitespaces(strings.ToLower(text))
}

var folder = cases.Fold()

// Fold applies NFKC normalization and Unicode case folding, so that
// "Ｐａｒｉｓ" and "paris" compare equal.
func Fold(s string) string {
	return folder.String(norm.NFKC.String(s))
}

// Similarity returns 1 - d/max(len(a), len(b)) where d is the Levenshtein
// distance between the folded strings, counted in runes. Two empty strings
// are identical.
func Similarity(a, b string) float64 {
	a, b = Fold(a), Fold(b)
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

var sentenceEndRe = regexp.MustCompile(`[.!?]+["')\]]*(\s+|$)|\n{2,}`)

// SentenceSpans splits text into sentence byte spans. Terminal punctuation
// followed by whitespace, or a blank line, ends a sentence. Spans cover the
// text without gaps, so every offset belongs to exactly one span.
func SentenceSpans(text string) [][2]int {
	if text == "" {
		return nil
	}
	var spans [][2]int
	start := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		if loc[1] <= start {
			continue
		}
		spans = append(spans, [2]int{start, loc[1]})
		start = loc[1]
	}
	if start < len(text) {
		spans = append(spans, [2]int{start, len(text)})
	}
	return spans
}

// SpanAt returns the span containing offset, or the whole text when none
// does.
func SpanAt(spans [][2]int, offset, textLen int) [2]int {
	for _, s := range spans {
		if offset >= s[0] && offset < s[1] {
			return s
		}
	}
	return [2]int{0, textLen}
}
