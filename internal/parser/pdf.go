package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"

	"pdf-rag/internal/models"
)

func parsePDF(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) (err error) {
	// ledongthuc/pdf panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	reader, err := newPDFReader(f, stat.Size(), doc.Password)
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return fmt.Errorf("encrypted pdf: missing or invalid password")
		}
		return fmt.Errorf("failed to create PDF reader: %v", err)
	}

	numPages := reader.NumPage()
	log.Debug().Str("document", doc.ID).Int("total_pages", numPages).Msg("Starting PDF text extraction")
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := reader.Page(i)
		var text string
		if page.V.IsNull() {
			log.Warn().Str("document", doc.ID).Int("page_number", i).Msg("Null page encountered")
		} else {
			text, err = page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("failed to extract text from page %d: %v", i, err)
			}
		}

		log.Debug().Str("document", doc.ID).Int("page_number", i).Int("text_length", len(text)).Msg("Extracted text from page")
		if !emit(models.Page{Source: doc.ID, Number: i, Content: text}) {
			return nil
		}
	}
	return nil
}

// newPDFReader tries the supplied password once when the file is encrypted
func newPDFReader(f io.ReaderAt, size int64, password string) (*pdf.Reader, error) {
	if password == "" {
		return pdf.NewReader(f, size)
	}
	tried := false
	return pdf.NewReaderEncrypted(f, size, func() string {
		if tried {
			return ""
		}
		tried = true
		return password
	})
}
