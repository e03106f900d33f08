package rag

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pdf-rag/internal/helper"
	"pdf-rag/internal/llmservice"
	"pdf-rag/internal/models"
)

type Loader interface {
	Pages(ctx context.Context, doc models.Document) iter.Seq2[models.Page, error]
}

type Chunker interface {
	ChunkPages(pages iter.Seq2[models.Page, error]) ([]models.Chunk, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is a vector index that is rebuilt as a whole on every ingestion
type Index interface {
	Build(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	Load(ctx context.Context) error
	Query(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opts llmservice.GenerateOptions) (string, error)
}

type Options struct {
	TopK       int
	Generation llmservice.GenerateOptions
}

// RAG ingests documents into an index and answers questions from it
type RAG struct {
	loader    Loader
	chunker   Chunker
	embedder  Embedder
	index     Index
	generator Generator
	opts      Options
}

func NewRAG(loader Loader, chunker Chunker, embedder Embedder, index Index, generator Generator, opts Options) *RAG {
	if opts.TopK <= 0 {
		opts.TopK = models.DefaultTopK
	}
	return &RAG{
		loader:    loader,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		generator: generator,
		opts:      opts,
	}
}

// Ingest replaces the index with the chunks of docs
func (r *RAG) Ingest(ctx context.Context, docs []models.Document) (*models.IngestResult, error) {
	runID, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("run_id", runID).Logger()

	result := &models.IngestResult{RunID: runID, State: models.StateFailed, Documents: len(docs)}
	start := time.Now()
	fail := func(err error) (*models.IngestResult, error) {
		result.Duration = time.Since(start)
		logger.Error().Err(err).Str("state", string(models.StateFailed)).Msg("Ingestion failed")
		return result, err
	}

	if len(docs) == 0 {
		return fail(fmt.Errorf("%w: no documents to ingest", models.ErrConfiguration))
	}

	var chunks []models.Chunk
	for _, doc := range docs {
		pages := 0
		counted := func(yield func(models.Page, error) bool) {
			for page, err := range r.loader.Pages(ctx, doc) {
				if err == nil {
					pages++
				}
				if !yield(page, err) {
					return
				}
			}
		}

		docChunks, err := r.chunker.ChunkPages(counted)
		if err != nil {
			return fail(err)
		}
		logger.Debug().Str("document", doc.ID).Int("pages", pages).Int("chunks", len(docChunks)).Msg("Document chunked")
		result.Pages += pages
		chunks = append(chunks, docChunks...)
	}
	result.Chunks = len(chunks)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := r.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return fail(err)
	}
	if len(vectors) > 0 {
		result.Dimension = len(vectors[0])
	}

	if err := r.index.Build(ctx, chunks, vectors); err != nil {
		return fail(err)
	}

	result.State = models.StateUpdated
	result.Duration = time.Since(start)
	logger.Info().
		Str("state", string(result.State)).
		Int("documents", result.Documents).
		Int("pages", result.Pages).
		Int("chunks", result.Chunks).
		Int("dimension", result.Dimension).
		Dur("took", result.Duration).
		Msg("Ingestion finished")
	return result, nil
}

// Query answers question from the top ranked chunks of the index
func (r *RAG) Query(ctx context.Context, question string) (*models.PromptResponse, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question is empty", models.ErrConfiguration)
	}

	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	results, err := r.index.Query(ctx, vector, r.opts.TopK)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("results", len(results)).Msg("Retrieved context")

	prompt, err := BuildPrompt(question, results)
	if err != nil {
		return nil, err
	}

	answer, err := r.generator.Generate(ctx, prompt, r.opts.Generation)
	if err != nil {
		return nil, err
	}

	return &models.PromptResponse{
		Query:   question,
		Prompt:  prompt,
		Source:  describeSources(results),
		Content: answer,
		Sources: results,
	}, nil
}

// describeSources lists each retrieved chunk as "source (page n, chunk m, score s)"
func describeSources(results []models.ScoredChunk) string {
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = fmt.Sprintf("%s (page %d, chunk %d, score %.3f)", r.Chunk.Source, r.Chunk.PageNumber, r.Chunk.ChunkID, r.Score)
	}
	return strings.Join(lines, "\n")
}
