// Package extract turns stored document bytes into searchable text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrNotText is returned when content cannot be decoded as text.
var ErrNotText = errors.New("content is not valid UTF-8 text")

// Text decodes content to a string. Files with a .pdf extension are parsed
// as PDF and their plain text returned; everything else must be UTF-8. A
// .pdf file that does not parse but is valid UTF-8 is returned as is.
func Text(filename string, content []byte) (string, error) {
	if IsPDF(filename) {
		text, err := pdfText(content)
		if err != nil && utf8.Valid(content) {
			return string(content), nil
		}
		return text, err
	}
	if !utf8.Valid(content) {
		return "", ErrNotText
	}
	return string(content), nil
}

// IsPDF reports whether filename carries a PDF extension.
func IsPDF(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

func pdfText(content []byte) (text string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("%w: malformed pdf: %v", ErrNotText, p)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: parsing pdf: %v", ErrNotText, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: reading pdf text: %v", ErrNotText, err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: reading pdf text: %v", ErrNotText, err)
	}
	if !utf8.Valid(b) {
		return "", ErrNotText
	}
	return string(b), nil
}
