// Package extract turns raw file bytes into text, embedded images, and
// metadata. Every branch degrades to an empty result on recognized-but-
// unreadable input; extraction never fails an ingestion attempt.
package extract

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// EmbeddedImage is an image found inside a parent document.
type EmbeddedImage struct {
	Data     []byte
	FileName string
}

// Result is the output of extraction.
type Result struct {
	Text     string
	Images   []EmbeddedImage
	Metadata map[string]string
}

func emptyResult() Result {
	return Result{Metadata: map[string]string{}}
}

// UnstructuredClient is the optional external extraction service. When
// configured it is tried first; any failure falls through to the local
// branches.
type UnstructuredClient interface {
	Extract(ctx context.Context, data []byte, name string) (string, error)
}

// Extractor dispatches on file extension.
type Extractor struct {
	unstructured  UnstructuredClient
	extractImages bool
}

// New creates an Extractor. unstructured may be nil.
func New(unstructured UnstructuredClient, extractImages bool) *Extractor {
	return &Extractor{unstructured: unstructured, extractImages: extractImages}
}

// Extract parses data. name may be empty, in which case generic text
// detection is used. password applies to PDFs only.
func (e *Extractor) Extract(ctx context.Context, data []byte, name, password string) Result {
	if e.unstructured != nil {
		if text, err := e.unstructured.Extract(ctx, data, name); err == nil {
			r := emptyResult()
			r.Text = text
			r.Metadata["extractor"] = "unstructured"
			return r
		} else {
			slog.Warn("unstructured extraction failed, falling back", "file", name, "error", err)
		}
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf":
		return e.extractPDF(data, password)
	case ".docx":
		return e.extractDocx(data)
	case ".xlsx":
		return e.extractXlsx(data)
	case ".pptx":
		return e.extractPptx(data)
	case ".html", ".htm":
		return extractHTMLBytes(data)
	case ".txt", ".md", ".mdx", ".log", ".json", ".yaml", ".yml", ".csv", ".tsv", ".xml", ".conf", ".eml":
		return plainText(data)
	case "":
		return detectText(data)
	default:
		slog.Warn("unsupported file extension, returning empty content", "file", name, "ext", ext)
		return emptyResult()
	}
}

// plainText returns the bytes as text, dropping any invalid UTF-8
// sequences.
func plainText(data []byte) Result {
	r := emptyResult()
	if !utf8.Valid(data) {
		// Tolerate stray bytes: invalid sequences are removed.
		r.Text = strings.ToValidUTF8(string(data), "")
		return r
	}
	r.Text = string(data)
	return r
}

// detectText handles nameless input: treat as text only if it looks like
// text (valid UTF-8, low ratio of control characters).
func detectText(data []byte) Result {
	if len(data) == 0 {
		return emptyResult()
	}
	if !utf8.Valid(data) {
		return emptyResult()
	}
	control := 0
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	for _, b := range sample {
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			control++
		}
	}
	if control*20 > len(sample) {
		return emptyResult()
	}
	r := emptyResult()
	r.Text = string(data)
	return r
}
