package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"pdf-rag/internal/models"
)

// pageParser reads the file at path and hands every page to emit in order.
// It stops without error as soon as emit returns false.
type pageParser func(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) error

var parsers = map[string]pageParser{
	".pdf":      parsePDF,
	".docx":     parseDOCX,
	".pptx":     parsePPTX,
	".xlsx":     parseXLSX,
	".xlsm":     parseXLSX,
	".txt":      parseText,
	".md":       parseMarkdown,
	".markdown": parseMarkdown,
}

// Loader turns uploaded documents into page sequences. The raw bytes are written to a
// temporary file for the parser and removed again whenever an iteration ends.
type Loader struct {
	tempDir string
}

// NewLoader creates a loader; an empty tempDir uses os.TempDir.
func NewLoader(tempDir string) *Loader {
	return &Loader{tempDir: tempDir}
}

// Supported reports whether the extension of name has a parser
func Supported(name string) bool {
	_, ok := parsers[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Pages returns a lazy, restartable sequence of the document's pages in physical order.
// Parse failures are yielded once as an error wrapping models.ErrLoad.
func (l *Loader) Pages(ctx context.Context, doc models.Document) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		ext := documentExt(doc)
		parse, ok := parsers[ext]
		if !ok {
			yield(models.Page{}, fmt.Errorf("%w: %s: unsupported file format %q", models.ErrLoad, doc.ID, ext))
			return
		}

		path, cleanup, err := l.materialize(doc, ext)
		if err != nil {
			yield(models.Page{}, fmt.Errorf("%w: %s: %w", models.ErrLoad, doc.ID, err))
			return
		}
		defer cleanup()

		stopped := false
		err = parse(ctx, path, doc, func(p models.Page) bool {
			if !yield(p, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err == nil || stopped {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			yield(models.Page{}, err)
			return
		}
		yield(models.Page{}, fmt.Errorf("%w: %s: %w", models.ErrLoad, doc.ID, err))
	}
}

// Load collects every page of doc
func (l *Loader) Load(ctx context.Context, doc models.Document) ([]models.Page, error) {
	var pages []models.Page
	for page, err := range l.Pages(ctx, doc) {
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	log.Debug().Str("document", doc.ID).Int("pages", len(pages)).Msg("Loaded document")
	return pages, nil
}

// materialize writes the document bytes to a temp file and returns a cleanup func that removes it
func (l *Loader) materialize(doc models.Document, ext string) (string, func(), error) {
	f, err := os.CreateTemp(l.tempDir, "pdf-rag-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %v", err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove temp file")
		}
	}

	_, werr := f.Write(doc.Content)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write temp file: %v", errors.Join(werr, cerr))
	}
	return path, cleanup, nil
}

func documentExt(doc models.Document) string {
	name := doc.Name
	if name == "" {
		name = doc.ID
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" && bytes.HasPrefix(doc.Content, []byte("%PDF-")) {
		return ".pdf"
	}
	return ext
}
