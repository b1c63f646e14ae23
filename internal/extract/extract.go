// Package extract turns uploaded file bytes into plain text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat is returned when the declared type is unknown or the
// bytes cannot be decoded as that type.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Extractor converts file bytes into plain text based on the declared
// content type.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract returns the plain text of fileBytes. declaredType is a MIME type,
// optionally with parameters ("text/plain; charset=utf-8").
func (e *Extractor) Extract(fileBytes []byte, declaredType string) (string, error) {
	mediaType := declaredType
	if parsed, _, err := mime.ParseMediaType(declaredType); err == nil {
		mediaType = parsed
	}

	switch strings.ToLower(mediaType) {
	case "text/plain", "text/markdown", "text/x-markdown":
		return extractText(fileBytes)
	case "application/pdf":
		return extractPDF(fileBytes)
	default:
		return "", fmt.Errorf("type %q: %w", declaredType, ErrUnsupportedFormat)
	}
}

// extractText accepts the bytes as-is after checking they are valid UTF-8
// text and not disguised binary.
func extractText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid UTF-8: %w", ErrUnsupportedFormat)
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return "", fmt.Errorf("binary content in text upload: %w", ErrUnsupportedFormat)
	}
	return string(b), nil
}

func extractPDF(b []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %v: %w", err, ErrUnsupportedFormat)
	}

	textReader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %v: %w", err, ErrUnsupportedFormat)
	}

	text, err := io.ReadAll(textReader)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %v: %w", err, ErrUnsupportedFormat)
	}
	return string(text), nil
}
