package pronunciation

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Tokenize splits reference text into normalized comparison tokens:
// whitespace-delimited, lowercased, with leading and trailing punctuation
// removed. Tokens that are empty after stripping are dropped.
func Tokenize(text string) []string {
	fields := strings.Fields(norm.NFC.String(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if tok := normalizeField(f); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// Normalize applies the tokenizer rule to a single word. Interior
// whitespace is not expected; the word is treated as one field.
func Normalize(word string) string {
	return normalizeField(norm.NFC.String(strings.TrimSpace(word)))
}

func normalizeField(f string) string {
	return strings.ToLower(strings.TrimFunc(f, isStrippable))
}

func isStrippable(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
