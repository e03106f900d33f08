package rag

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"path/filepath"
	"strings"
	"testing"

	"pdf-rag/internal/chromemdb"
	"pdf-rag/internal/llmservice"
	"pdf-rag/internal/models"
	"pdf-rag/internal/parser"
	"pdf-rag/internal/pdftest"
)

const rahul = "Rahul scored a century in the third test."

// hashEmbedder maps each lowercased word to one of dim buckets
type hashEmbedder struct {
	dim  int
	err  error
	seen []string
}

func (e *hashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,?!")))
		v[h.Sum32()%uint32(e.dim)]++
	}
	v[e.dim-1] += 0.01
	return v
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *hashEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.seen = append(e.seen, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

type recordingGenerator struct {
	prompt string
	opts   llmservice.GenerateOptions
	answer string
	err    error
}

func (g *recordingGenerator) Generate(ctx context.Context, prompt string, opts llmservice.GenerateOptions) (string, error) {
	g.prompt = prompt
	g.opts = opts
	return g.answer, g.err
}

type fixture struct {
	rag       *RAG
	embedder  *hashEmbedder
	generator *recordingGenerator
	index     *chromemdb.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chunker, err := parser.NewChunker(models.DefaultChunkSize, models.DefaultChunkOverlap)
	if err != nil {
		t.Fatal(err)
	}
	index, err := chromemdb.NewIndex(filepath.Join(t.TempDir(), "index"), chromemdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		embedder:  &hashEmbedder{dim: 32},
		generator: &recordingGenerator{answer: "Rahul scored a century."},
		index:     index,
	}
	maxTokens := 256
	f.rag = NewRAG(parser.NewLoader(t.TempDir()), chunker, f.embedder, index, f.generator, Options{
		TopK:       models.DefaultTopK,
		Generation: llmservice.GenerateOptions{MaxTokens: maxTokens},
	})
	return f
}

func pdfDoc(name string, pages ...string) models.Document {
	return models.Document{ID: name, Name: name, Content: pdftest.Build(pages...)}
}

func TestIngestAndQuery(t *testing.T) {
	questions := []string{
		"What did Rahul score?",
		"How many runs did Rahul score in the third test?",
	}

	for _, question := range questions {
		t.Run(question, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			result, err := f.rag.Ingest(ctx, []models.Document{pdfDoc("cricket.pdf", rahul)})
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if result.State != models.StateUpdated || result.Documents != 1 || result.Pages != 1 || result.Chunks != 1 {
				t.Errorf("result = %+v", result)
			}
			if result.Dimension != 32 || result.RunID == "" {
				t.Errorf("result = %+v", result)
			}

			resp, err := f.rag.Query(ctx, question)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if resp.Query != question {
				t.Errorf("query = %q", resp.Query)
			}
			if len(resp.Sources) != 1 || resp.Sources[0].Chunk.Content != rahul {
				t.Fatalf("sources = %+v", resp.Sources)
			}
			if resp.Content != "Rahul scored a century." {
				t.Errorf("answer = %q", resp.Content)
			}
			if resp.Prompt != f.generator.prompt {
				t.Error("response prompt differs from the generated one")
			}
			if !strings.Contains(resp.Prompt, "<context>\n"+rahul+"\n</context>") {
				t.Errorf("chunk text not inside context markers:\n%s", resp.Prompt)
			}
			if !strings.Contains(resp.Prompt, "Question: "+question) {
				t.Errorf("question missing from prompt:\n%s", resp.Prompt)
			}
			if f.generator.opts.MaxTokens != 256 {
				t.Errorf("generation options not passed through: %+v", f.generator.opts)
			}
			if !strings.Contains(resp.Source, "cricket.pdf (page 1, chunk 1") {
				t.Errorf("source = %q", resp.Source)
			}
		})
	}
}

func TestIngestMultipleDocumentsKeepsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	docs := []models.Document{
		pdfDoc("a.pdf", "alpha one", "alpha two"),
		{ID: "b.txt", Name: "b.txt", Content: []byte("beta text")},
	}
	result, err := f.rag.Ingest(ctx, docs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Pages != 3 || result.Chunks != 3 {
		t.Errorf("result = %+v", result)
	}
	want := []string{"alpha one", "alpha two", "beta text"}
	for i, w := range want {
		if f.embedder.seen[i] != w {
			t.Errorf("chunk %d = %q, want %q", i, f.embedder.seen[i], w)
		}
	}
	if f.index.Count() != 3 {
		t.Errorf("index count = %d", f.index.Count())
	}
}

func TestIngestEmptyTextBuildsEmptyIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.rag.Ingest(ctx, []models.Document{{ID: "blank.txt", Name: "blank.txt", Content: []byte("  \n ")}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Chunks != 0 || result.State != models.StateUpdated {
		t.Errorf("result = %+v", result)
	}

	resp, err := f.rag.Query(ctx, "anything?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if !strings.Contains(resp.Prompt, "<context>\n\n</context>") {
		t.Errorf("expected empty context:\n%s", resp.Prompt)
	}
}

func TestIngestErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no documents", func(t *testing.T) {
		f := newFixture(t)
		result, err := f.rag.Ingest(ctx, nil)
		if !errors.Is(err, models.ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
		if result.State != models.StateFailed {
			t.Errorf("state = %s", result.State)
		}
	})

	t.Run("unreadable document leaves index untouched", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.rag.Ingest(ctx, []models.Document{pdfDoc("cricket.pdf", rahul)}); err != nil {
			t.Fatal(err)
		}
		_, err := f.rag.Ingest(ctx, []models.Document{pdfDoc("ok.pdf", "fine"), {ID: "bad.pdf", Name: "bad.pdf", Content: []byte("garbage")}})
		if !errors.Is(err, models.ErrLoad) {
			t.Fatalf("expected ErrLoad, got %v", err)
		}
		if f.index.Count() != 1 {
			t.Errorf("index count = %d, want the previous build", f.index.Count())
		}
	})

	t.Run("embedding failure", func(t *testing.T) {
		f := newFixture(t)
		f.embedder.err = fmt.Errorf("%w: connection refused", models.ErrEmbeddingService)
		if _, err := f.rag.Ingest(ctx, []models.Document{pdfDoc("cricket.pdf", rahul)}); !errors.Is(err, models.ErrEmbeddingService) {
			t.Fatalf("expected ErrEmbeddingService, got %v", err)
		}
	})
}

func TestQueryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty question", func(t *testing.T) {
		f := newFixture(t)
		for _, q := range []string{"", "  \n\t"} {
			if _, err := f.rag.Query(ctx, q); !errors.Is(err, models.ErrConfiguration) {
				t.Errorf("Query(%q): expected ErrConfiguration, got %v", q, err)
			}
		}
	})

	t.Run("before ingestion", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.rag.Query(ctx, "What did Rahul score?"); !errors.Is(err, models.ErrIndexNotFound) {
			t.Fatalf("expected ErrIndexNotFound, got %v", err)
		}
	})

	t.Run("generation failure", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.rag.Ingest(ctx, []models.Document{pdfDoc("cricket.pdf", rahul)}); err != nil {
			t.Fatal(err)
		}
		f.generator.err = fmt.Errorf("%w: timeout", models.ErrGenerationService)
		if _, err := f.rag.Query(ctx, "What did Rahul score?"); !errors.Is(err, models.ErrGenerationService) {
			t.Fatalf("expected ErrGenerationService, got %v", err)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.rag.Ingest(ctx, []models.Document{pdfDoc("cricket.pdf", rahul)}); err != nil {
			t.Fatal(err)
		}
		f.embedder.dim = 16
		if _, err := f.rag.Query(ctx, "What did Rahul score?"); !errors.Is(err, models.ErrDimensionMismatch) {
			t.Fatalf("expected ErrDimensionMismatch, got %v", err)
		}
	})
}

func TestBuildPrompt(t *testing.T) {
	results := []models.ScoredChunk{
		{Chunk: models.Chunk{Content: "first chunk"}, Score: 0.9},
		{Chunk: models.Chunk{Content: "second chunk"}, Score: 0.5},
	}
	prompt, err := BuildPrompt("Who won?", results)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "<context>\nfirst chunk\n\nsecond chunk\n</context>") {
		t.Errorf("context block wrong:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Question: Who won?") || !strings.Contains(prompt, "don't know") {
		t.Errorf("prompt wording wrong:\n%s", prompt)
	}
	if strings.Index(prompt, "</context>") > strings.Index(prompt, "Question:") {
		t.Error("question must follow the context")
	}
}

// the loader contract lets a fake stop halfway with an error
type failingLoader struct{ err error }

func (l failingLoader) Pages(ctx context.Context, doc models.Document) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		if !yield(models.Page{Source: doc.ID, Number: 1, Content: "first page"}, nil) {
			return
		}
		yield(models.Page{}, l.err)
	}
}

func TestIngestStopsOnPageError(t *testing.T) {
	f := newFixture(t)
	chunker, _ := parser.NewChunker(100, 10)
	r := NewRAG(failingLoader{err: fmt.Errorf("%w: page 2 unreadable", models.ErrLoad)}, chunker, f.embedder, f.index, f.generator, Options{})

	result, err := r.Ingest(context.Background(), []models.Document{{ID: "x.pdf"}})
	if !errors.Is(err, models.ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
	if result.State != models.StateFailed || len(f.embedder.seen) != 0 {
		t.Errorf("result = %+v, embedded %d texts", result, len(f.embedder.seen))
	}
}
