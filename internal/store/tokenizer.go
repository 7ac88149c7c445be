package store

import (
	"regexp"
	"strings"
)

// Both BM25 backends index pre-tokenized text so scoring stays identical
// regardless of backend: lowercase, strip everything that is not a word
// character, whitespace or apostrophe, then split on whitespace. No stemming
// and no stopword removal.
var nonTokenChars = regexp.MustCompile(`[^\p{L}\p{N}_\s']+`)

// Tokenize normalizes text into BM25 terms.
func Tokenize(text string) []string {
	cleaned := nonTokenChars.ReplaceAllString(strings.ToLower(text), "")
	return strings.Fields(cleaned)
}

// TokenizedText returns the space-joined token stream stored in the index.
func TokenizedText(text string) string {
	return strings.Join(Tokenize(text), " ")
}
