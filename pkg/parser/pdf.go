// Package parser extracts plain text from the source PDF document.
// It is a thin boundary around github.com/ledongthuc/pdf; everything
// downstream operates on the extracted text only.
package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hsn0918/bookrag/pkg/textutil"
	"github.com/ledongthuc/pdf"
)

// ErrEmptyDocument is returned when the PDF yields no extractable text.
var ErrEmptyDocument = errors.New("parser: document contains no extractable text")

// ExtractText reads the PDF at path and returns its text content with pages
// separated by blank lines. Pages that fail to extract are skipped; the
// ledongthuc reader can choke on exotic font encodings page by page.
func ExtractText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("parser: opening PDF: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	totalPages := reader.NumPage()

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := extractPageText(page)
		if err != nil {
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		b.WriteString(text)
		b.WriteString("\n\n")
	}

	content := textutil.SanitizeUTF8(strings.TrimSpace(b.String()))
	if content == "" {
		return "", ErrEmptyDocument
	}

	return content, nil
}

// extractPageText pulls the text of a single page, recovering from panics
// inside the pdf library on malformed content streams.
func extractPageText(page pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser: page extraction panicked: %v", r)
		}
	}()

	content, err := page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("parser: page text: %w", err)
	}
	return content, nil
}
