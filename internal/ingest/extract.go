package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedType is returned for uploads that are neither text, HTML nor PDF.
var ErrUnsupportedType = errors.New("unsupported document type")

// ErrEmptyDocument is returned when extraction yields no text.
var ErrEmptyDocument = errors.New("document has no extractable text")

const (
	TypePDF      = "application/pdf"
	TypeHTML     = "text/html"
	TypeMarkdown = "text/markdown"
	TypeText     = "text/plain"
)

// DetectType resolves the content type of an upload. The declared type wins
// unless it is missing or generic, in which case the file extension decides.
func DetectType(name, declared string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return TypePDF
	case ".html", ".htm":
		return TypeHTML
	case ".md", ".markdown":
		return TypeMarkdown
	default:
		return TypeText
	}
}

// Extract converts an uploaded document into plain text suitable for
// chunking. HTML is converted to Markdown so headings and lists survive.
func Extract(contentType string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch contentType {
	case TypePDF:
		text, err = extractPDF(data)
	case TypeHTML:
		text, err = htmltomarkdown.ConvertString(string(data))
		if err != nil {
			err = fmt.Errorf("converting html: %w", err)
		}
	case TypeMarkdown, TypeText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: text is not valid UTF-8", ErrUnsupportedType)
		}
		text = string(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(b), nil
}
