package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"pdf-rag/internal/chromemdb"
	"pdf-rag/internal/config"
	"pdf-rag/internal/db"
	"pdf-rag/internal/embedding"
	"pdf-rag/internal/helper"
	"pdf-rag/internal/llmservice"
	"pdf-rag/internal/models"
	"pdf-rag/internal/parser"
	"pdf-rag/internal/rag"
)

const configFilePath = "./configs/config.yaml"

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var files fileList
	configPath := flag.String("config", configFilePath, "Path to the config file")
	flag.Var(&files, "file", "Path to a document to ingest, repeat for several documents")
	query := flag.String("query", "", "Question to answer from the ingested documents")
	password := flag.String("password", "", "Password for encrypted PDFs")
	dryRun := flag.Bool("dry-run", false, "Parse and chunk the documents, print the chunks and exit")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		helper.InitLogger("info")
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.InitLogger(cfg.Log.Level)
	log.Debug().Interface("config", redacted(cfg)).Msg("Loaded config")

	if len(files) == 0 && *query == "" {
		flag.Usage()
		log.Fatal().Msg("Please provide documents using the -file flag and/or a question using the -query flag")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *dryRun {
		if err := chunkDocuments(ctx, cfg, files, *password); err != nil {
			log.Fatal().Err(err).Msg("Error parsing documents")
		}
		return
	}

	pipeline, closeIndex, err := newPipeline(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing pipeline")
	}
	defer closeIndex()

	if len(files) > 0 {
		if err := ingest(ctx, pipeline, files, *password); err != nil {
			log.Error().Err(err).Msg("Error ingesting documents")
			closeIndex()
			os.Exit(1)
		}
	}

	if *query != "" {
		if err := answer(ctx, pipeline, *query); err != nil {
			log.Error().Err(err).Msg("Error querying")
			closeIndex()
			os.Exit(1)
		}
	}
}

// newPipeline builds every client once and injects them into the orchestrator
func newPipeline(cfg *config.Config) (*rag.RAG, func(), error) {
	chunker, err := parser.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, nil, err
	}

	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing embedder: %w", err)
	}

	generator, err := llmservice.NewGenerator(&cfg.InferenceLLM)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing generator: %w", err)
	}

	index, closeIndex, err := newIndex(cfg)
	if err != nil {
		return nil, nil, err
	}

	pipeline := rag.NewRAG(parser.NewLoader(cfg.RAG.TempDir), chunker, embedder, index, generator, rag.Options{
		TopK: cfg.RAG.TopK,
		Generation: llmservice.GenerateOptions{
			MaxTokens:   cfg.Generation.MaxTokens,
			Temperature: cfg.Generation.Temperature,
			TopP:        cfg.Generation.TopP,
		},
	})
	return pipeline, closeIndex, nil
}

func newIndex(cfg *config.Config) (rag.Index, func(), error) {
	switch cfg.RAG.Backend {
	case config.BackendPostgres:
		sqldb, err := db.ConnectDB(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to database: %w", err)
		}
		bunDB := db.NewDB(sqldb, cfg.Database.Debug)
		store := db.NewStore(bunDB, cfg.Database.Table, db.StoreOptions{
			Dimension:      cfg.EmbedLLM.Dimension,
			EmbeddingModel: cfg.EmbedLLM.Model,
		})
		return store, func() { bunDB.Close() }, nil
	default:
		if err := helper.CreateFolder(cfg.RAG.IndexPath); err != nil {
			return nil, nil, fmt.Errorf("error creating index folder: %w", err)
		}
		index, err := chromemdb.NewIndex(cfg.RAG.IndexPath, chromemdb.Options{
			EncryptionKey:  cfg.RAG.EncryptionKey,
			Compress:       cfg.RAG.Compress,
			Dimension:      cfg.EmbedLLM.Dimension,
			EmbeddingModel: cfg.EmbedLLM.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		return index, func() {}, nil
	}
}

func ingest(ctx context.Context, pipeline *rag.RAG, files []string, password string) error {
	for _, f := range files {
		if filepath.Ext(f) != "" && !parser.Supported(f) {
			return fmt.Errorf("%w: unsupported file format %s", models.ErrLoad, f)
		}
	}

	docs, err := helper.ReadDocuments(files, password)
	if err != nil {
		return err
	}

	result, err := pipeline.Ingest(ctx, docs)
	if err != nil {
		return err
	}

	log.Info().Msg("Ingestion: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%d document(s), %d page(s), %d chunk(s) indexed in %s\n\n",
		result.Documents, result.Pages, result.Chunks, result.Duration.Round(time.Millisecond))
	return nil
}

func answer(ctx context.Context, pipeline *rag.RAG, query string) error {
	response, err := pipeline.Query(ctx, query)
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Source)

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Content)
	return nil
}

// chunkDocuments prints the chunks of files without touching any model or index
func chunkDocuments(ctx context.Context, cfg *config.Config, files []string, password string) error {
	chunker, err := parser.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return err
	}
	docs, err := helper.ReadDocuments(files, password)
	if err != nil {
		return err
	}

	loader := parser.NewLoader(cfg.RAG.TempDir)
	var chunks []models.Chunk
	for _, doc := range docs {
		docChunks, err := chunker.ChunkPages(loader.Pages(ctx, doc))
		if err != nil {
			return err
		}
		chunks = append(chunks, docChunks...)
	}

	log.Info().Msgf("Parsed %d chunks", len(chunks))
	helper.PrettyPrint(chunks)
	return nil
}

// redacted hides secrets before the config is logged
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	for _, llm := range []*config.LLMConfig{&c.EmbedLLM, &c.InferenceLLM} {
		if llm.Key != "" {
			llm.Key = "***"
		}
	}
	if c.RAG.EncryptionKey != "" {
		c.RAG.EncryptionKey = "***"
	}
	if c.Database.Password != "" {
		c.Database.Password = "***"
	}
	return c
}
