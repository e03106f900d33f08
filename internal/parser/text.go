package parser

import (
	"context"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"pdf-rag/internal/models"
)

func parseText(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	emit(models.Page{Source: doc.ID, Number: 1, Content: string(data)})
	return nil
}

func parseMarkdown(ctx context.Context, path string, doc models.Document, emit func(models.Page) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	emit(models.Page{Source: doc.ID, Number: 1, Content: markdownToText(data)})
	return nil
}

// markdownToText strips markdown syntax, keeping one blank line between blocks
func markdownToText(src []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	root := md.Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			switch node := n.(type) {
			case *ast.Text:
				sb.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			case *ast.String:
				sb.Write(node.Value)
			case *ast.AutoLink:
				sb.Write(node.Label(src))
			case *ast.CodeBlock, *ast.FencedCodeBlock:
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					sb.Write(seg.Value(src))
				}
			}
			return ast.WalkContinue, nil
		}
		if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			sb.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
