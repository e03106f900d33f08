package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdf-rag/internal/config"
	"pdf-rag/internal/models"
)

// Embedder maps text to vectors through a langchaingo embedding client
type Embedder struct {
	impl      embeddings.Embedder
	model     string
	dimension int
	timeout   time.Duration
}

// NewEmbedder creates an embedder for the configured provider
func NewEmbedder(llmConfig *config.LLMConfig) (*Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        llmConfig.Provider,
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Creating embedder")

	impl, err := newImpl(llmConfig)
	if err != nil {
		return nil, err
	}

	return &Embedder{
		impl:      impl,
		model:     llmConfig.Model,
		dimension: llmConfig.Dimension,
		timeout:   llmConfig.Timeout(),
	}, nil
}

func newImpl(llmConfig *config.LLMConfig) (embeddings.Embedder, error) {
	// bedrock batches on its own and has no EmbedderClient
	if llmConfig.Provider == config.ProviderBedrock {
		opts := []bedrock.Option{
			bedrock.WithModel(llmConfig.Model),
			bedrock.WithStripNewLines(false),
		}
		if llmConfig.BatchSize > 0 {
			opts = append(opts, bedrock.WithBatchSize(llmConfig.BatchSize))
		}
		impl, err := bedrock.NewBedrock(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bedrock embeddings: %w", err)
		}
		return impl, nil
	}

	client, err := newClient(llmConfig)
	if err != nil {
		return nil, err
	}
	opts := []embeddings.Option{embeddings.WithStripNewLines(false)}
	if llmConfig.BatchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(llmConfig.BatchSize))
	}
	impl, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return impl, nil
}

func newClient(llmConfig *config.LLMConfig) (embeddings.EmbedderClient, error) {
	switch llmConfig.Provider {
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama embeddings: %w", err)
		}
		return llm, nil
	case config.ProviderOpenAI:
		key := llmConfig.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%w: missing API key for openai embeddings", models.ErrConfiguration)
		}
		llm, err := openai.New(
			openai.WithBaseURL(llmConfig.BaseURL),
			openai.WithToken(key),
			openai.WithEmbeddingModel(llmConfig.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai embeddings: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("%w: unsupported embedding provider %q", models.ErrConfiguration, llmConfig.Provider)
	}
}

// Embed returns the vector for a single text
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	vector, err := e.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingService, err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", models.ErrEmbeddingService)
	}
	if err := models.CheckDimension(e.dimension, len(vector)); err != nil {
		return nil, err
	}
	return vector, nil
}

// EmbedMany returns one vector per text, all of the same dimension
func (e *Embedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	vectors, err := e.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingService, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", models.ErrEmbeddingService, len(vectors), len(texts))
	}

	want := e.dimension
	if want == 0 {
		want = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty embedding returned", models.ErrEmbeddingService)
		}
		if err := models.CheckDimension(want, len(v)); err != nil {
			return nil, err
		}
	}

	log.Debug().Str("model", e.model).Int("texts", len(texts)).Int("dimension", want).Dur("took", time.Since(start)).Msg("Generated embeddings")
	return vectors, nil
}

func (e *Embedder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
