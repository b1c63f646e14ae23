// Package chunker splits extracted document text into overlapping fragments.
// Splitting is pure and deterministic: identical input always yields
// identical boundaries, which re-ingestion idempotency and citation
// stability both depend on.
package chunker

import (
	"errors"
	"unicode"
)

// ErrInvalidWindow is returned when overlap is not strictly smaller than
// maxSize, or either parameter is non-positive.
var ErrInvalidWindow = errors.New("overlap must be non-negative and strictly smaller than max chunk size")

// Span is one chunk of the input text. Start and End are rune offsets into
// the original text, End exclusive. Text is the corresponding substring.
type Span struct {
	Start int
	End   int
	Text  string
}

// Split cuts text into spans of at most maxSize runes, each window repeating
// the last overlap runes of the previous one. Cut points prefer a sentence
// or whitespace boundary within a small tolerance behind the window edge and
// fall back to a hard cut. Empty input yields zero spans; any other input
// yields at least one. The final span may be shorter than maxSize.
func Split(text string, maxSize, overlap int) ([]Span, error) {
	if maxSize <= 0 || overlap < 0 || overlap >= maxSize {
		return nil, ErrInvalidWindow
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	tolerance := maxSize / 10
	if tolerance < 1 {
		tolerance = 1
	}

	var spans []Span
	start := 0
	for {
		end := start + maxSize
		if end >= len(runes) {
			spans = append(spans, Span{Start: start, End: len(runes), Text: string(runes[start:])})
			return spans, nil
		}

		cut := findCut(runes, end, tolerance)
		spans = append(spans, Span{Start: start, End: cut, Text: string(runes[start:cut])})

		next := cut - overlap
		if next <= start {
			// Boundary snapping plus overlap would stall; force progress.
			next = start + 1
		}
		start = next
	}
}

// findCut scans backwards from end (exclusive) through at most tolerance
// runes for a break point, preferring the position right after a sentence
// terminator, then after any whitespace. Returns end when no boundary is found.
func findCut(runes []rune, end, tolerance int) int {
	low := end - tolerance
	if low < 1 {
		low = 1
	}

	for i := end - 1; i >= low; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	for i := end - 1; i >= low; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}
