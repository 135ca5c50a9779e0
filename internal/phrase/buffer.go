package phrase

import (
	"strings"
	"unicode/utf8"
)

// Flush policy defaults. A phrase is handed to synthesis once it holds
// DefaultWordLimit words, or earlier when the last word closes a clause.
const (
	DefaultWordLimit = 10
	DefaultBoundary  = ".!?,"
)

// Buffer accumulates words from a token stream until they form a phrase
// worth synthesizing. A Buffer belongs to a single request and is not
// safe for concurrent use.
type Buffer struct {
	words    []string
	limit    int
	boundary string
}

// NewBuffer creates a buffer with the given flush policy. Non-positive
// limits and empty boundary sets fall back to the defaults.
func NewBuffer(limit int, boundary string) *Buffer {
	if limit <= 0 {
		limit = DefaultWordLimit
	}
	if boundary == "" {
		boundary = DefaultBoundary
	}
	return &Buffer{
		words:    make([]string, 0, limit),
		limit:    limit,
		boundary: boundary,
	}
}

// Append adds words to the buffer in arrival order
func (b *Buffer) Append(words ...string) {
	for _, w := range words {
		if w == "" {
			continue
		}
		b.words = append(b.words, w)
	}
}

// ShouldFlush reports whether the buffered words form a flushable phrase.
// An empty buffer never flushes.
func (b *Buffer) ShouldFlush() bool {
	if len(b.words) == 0 {
		return false
	}
	if len(b.words) >= b.limit {
		return true
	}
	last := b.words[len(b.words)-1]
	r, _ := utf8.DecodeLastRuneInString(last)
	return strings.ContainsRune(b.boundary, r)
}

// TakeAndClear joins the buffered words into a phrase and resets the
// buffer for the next one
func (b *Buffer) TakeAndClear() string {
	p := strings.Join(b.words, " ")
	b.words = b.words[:0]
	return p
}

// Len returns the number of buffered words
func (b *Buffer) Len() int {
	return len(b.words)
}

// SplitWords splits a token delta's new text into words on Unicode
// whitespace. Deltas from the completion stream carry their own leading
// spaces, so a delta like " largest city" yields two words.
func SplitWords(text string) []string {
	return strings.Fields(text)
}
