package parser

import (
	"archive/zip"
	"context"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"pdf-rag/internal/models"
)

var (
	docxTextRe  = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	slideTextRe = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// DOCX has no page numbers, the whole body is page 1
func parseDOCX(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) error {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return err
	}
	defer r.Close()

	content := extractTextFromXML(r.Editable().GetContent(), docxTextRe, "</w:p>")
	emit(models.Page{Source: doc.ID, Number: 1, Content: content})
	return nil
}

// one page per slide, ordered by slide number
func parsePPTX(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) error {
	f, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer f.Close()

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: num, file: file})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	for _, s := range slides {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := s.file.Open()
		if err != nil {
			return fmt.Errorf("failed to open slide %d: %v", s.num, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read slide %d: %v", s.num, err)
		}
		page := models.Page{Source: doc.ID, Number: s.num, Content: extractTextFromXML(string(data), slideTextRe, "</a:p>")}
		if !emit(page) {
			return nil
		}
	}
	return nil
}

// one page per sheet
func parseXLSX(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for sheetNum, sheetName := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return fmt.Errorf("failed to read sheet %s: %v", sheetName, err)
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		if !emit(models.Page{Source: doc.ID, Number: sheetNum + 1, Content: text.String()}) {
			return nil
		}
	}
	return nil
}

// extractTextFromXML joins the text runs of each paragraph, one paragraph per line
func extractTextFromXML(xmlContent string, textRe *regexp.Regexp, paragraphEnd string) string {
	var lines []string
	for _, para := range strings.Split(xmlContent, paragraphEnd) {
		var line strings.Builder
		for _, m := range textRe.FindAllStringSubmatch(para, -1) {
			line.WriteString(html.UnescapeString(m[1]))
		}
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}
