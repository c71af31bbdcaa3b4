// Package textsource supplies per-page plain text for uploaded documents.
//
// The pipeline core never touches raw file bytes: it consumes the Source
// interface only. This package holds the collaborator-side adapters that
// turn supported upload formats (PDF, HTML, plain text) into ordered
// per-page text.
package textsource

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Source yields the ordered per-page plain text of one document.
type Source interface {
	Pages(ctx context.Context) ([]string, error)
}

// Static wraps already-extracted page text, the common case when the
// upstream OCR/extraction service submits text directly.
type Static []string

// Pages returns the wrapped pages.
func (s Static) Pages(context.Context) ([]string, error) { return s, nil }

// FromFile selects a Source for an uploaded file by extension.
// Unsupported extensions are an unsupported_format condition for the caller
// to record; the error never reaches the pipeline core as a fault.
func FromFile(path string, data []byte) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF(data), nil
	case ".html", ".htm":
		return HTML(data), nil
	case ".txt", ".text":
		return Static{string(data)}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %q", filepath.Ext(path))
	}
}
