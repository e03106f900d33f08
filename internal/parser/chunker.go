package parser

import (
	"fmt"
	"iter"
	"regexp"
	"strings"

	"pdf-rag/internal/models"
)

var (
	horizontalSpaceRe = regexp.MustCompile(`[\t\f\v \x{00a0}\x{2000}-\x{200a}\x{202f}\x{3000}]+`)
	blankLinesRe      = regexp.MustCompile(`\n{3,}`)
)

// Chunker splits page text into windows of at most size runes, consecutive windows
// of one page sharing exactly overlap runes.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrConfiguration, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap must be in [0, %d), got %d", models.ErrConfiguration, size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// ChunkPages chunks every page of the sequence, stopping at the first error
func (c *Chunker) ChunkPages(pages iter.Seq2[models.Page, error]) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for page, err := range pages {
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c.ChunkPage(page)...)
	}
	return chunks, nil
}

// get chunks from a single page, blank pages yield none
func (c *Chunker) ChunkPage(page models.Page) []models.Chunk {
	var chunks []models.Chunk
	for i, content := range c.Split(Normalize(page.Content)) {
		overlap := c.overlap
		if i == 0 {
			overlap = 0
		}
		chunks = append(chunks, models.Chunk{
			ID:         fmt.Sprintf("%s:p%d:c%d", page.Source, page.Number, i+1),
			Source:     page.Source,
			PageNumber: page.Number,
			ChunkID:    i + 1,
			Content:    content,
			Length:     len([]rune(content)),
			Overlap:    overlap,
		})
	}
	return chunks
}

// Split cuts text into substrings. Each window ends at the latest paragraph break,
// else sentence end, else space inside its second half, else at the size limit.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for {
		limit := start + c.size
		if limit >= n {
			return append(chunks, string(runes[start:]))
		}
		end := c.boundary(runes, start, limit)
		chunks = append(chunks, string(runes[start:end]))
		start = end - c.overlap
	}
}

// boundary returns an end in (max(start+overlap, start+size/2), limit]
func (c *Chunker) boundary(runes []rune, start, limit int) int {
	lo := max(start+c.overlap, start+c.size/2)
	for _, isBreak := range []func([]rune, int) bool{paragraphBreak, sentenceBreak, wordBreak} {
		for end := limit; end > lo; end-- {
			if isBreak(runes, end) {
				return end
			}
		}
	}
	return limit
}

func paragraphBreak(r []rune, end int) bool {
	return end >= 2 && r[end-1] == '\n' && r[end-2] == '\n'
}

func sentenceBreak(r []rune, end int) bool {
	if r[end-1] == '\n' {
		return true
	}
	if end < 2 || r[end-1] != ' ' {
		return false
	}
	switch r[end-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

func wordBreak(r []rune, end int) bool {
	return r[end-1] == ' ' || r[end-1] == '\n'
}

// Normalize collapses horizontal whitespace, trims lines and limits blank lines to one
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = horizontalSpaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Reconstruct rebuilds page text from its chunks by dropping each chunk's leading overlap.
// The first chunk of each further page is preceded by a blank line.
func Reconstruct(chunks []models.Chunk) string {
	var content strings.Builder
	for i, chunk := range chunks {
		if i > 0 && chunk.ChunkID == 1 {
			content.WriteString("\n\n")
		}
		runes := []rune(chunk.Content)
		content.WriteString(string(runes[min(chunk.Overlap, len(runes)):]))
	}
	return content.String()
}
