package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"pdf-rag/internal/config"
	"pdf-rag/internal/models"
)

const insertBatchSize = 500

// ChunkRow is one indexed chunk. Rows are ranked by embedding distance, then seq.
type ChunkRow struct {
	bun.BaseModel `bun:"table:pdf_chunks,alias:c"`
	Seq           int             `bun:"seq,pk"`
	ChunkKey      string          `bun:"chunk_key,notnull"`
	Source        string          `bun:"source,notnull"`
	PageNumber    int             `bun:"page_number,notnull"`
	ChunkID       int             `bun:"chunk_id,notnull"`
	Content       string          `bun:"content,notnull"`
	Length        int             `bun:"length,notnull"`
	Overlap       int             `bun:"overlap,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`
}

// indexMeta is the single row describing the current build
type indexMeta struct {
	Version        int       `bun:"version"`
	Dimension      int       `bun:"dimension"`
	Count          int       `bun:"count"`
	EmbeddingModel string    `bun:"embedding_model"`
	BuiltAt        time.Time `bun:"built_at"`
}

type scoredRow struct {
	ChunkRow
	Score float64 `bun:"score"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with bun's pgdriver, or lib/pq when configured
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: database url is required", models.ErrConfiguration)
	}
	switch cfg.Driver {
	case config.DriverPQ:
		return sql.Open("postgres", cfg.URL)
	case config.DriverPG, "":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.URL)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", models.ErrConfiguration, cfg.Driver)
	}
}

type StoreOptions struct {
	// Dimension is the expected vector size, 0 accepts whatever was built.
	Dimension      int
	EmbeddingModel string
}

// Store keeps the vector index in a pgvector table plus a one row meta table
type Store struct {
	db    *bun.DB
	table string
	opts  StoreOptions

	mu   sync.RWMutex
	meta *indexMeta
}

func NewStore(db *bun.DB, table string, opts StoreOptions) *Store {
	if table == "" {
		table = models.CollectionName
	}
	return &Store{db: db, table: table, opts: opts}
}

func (s *Store) metaTable() string { return s.table + "_meta" }

// Build replaces table contents in a single transaction
func (s *Store) Build(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", models.ErrIndexBuild, len(chunks), len(vectors))
	}
	dimension, err := checkVectors(s.opts.Dimension, vectors)
	if err != nil {
		return err
	}

	start := time.Now()
	rows := make([]ChunkRow, len(chunks))
	for seq, chunk := range chunks {
		rows[seq] = toRow(chunk, seq, vectors[seq])
	}
	meta := &indexMeta{
		Version:        models.IndexFormatVersion,
		Dimension:      dimension,
		Count:          len(rows),
		EmbeddingModel: s.opts.EmbeddingModel,
		BuiltAt:        time.Now().UTC(),
	}

	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("%w: failed to enable pgvector: %v", models.ErrIndexBuild, err)
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDropTable().Table(s.table, s.metaTable()).IfExists().Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `CREATE TABLE ? (
			seq integer PRIMARY KEY,
			chunk_key text NOT NULL,
			source text NOT NULL,
			page_number integer NOT NULL,
			chunk_id integer NOT NULL,
			content text NOT NULL,
			length integer NOT NULL,
			overlap integer NOT NULL,
			embedding vector NOT NULL
		)`, bun.Ident(s.table)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `CREATE TABLE ? (
			id integer PRIMARY KEY,
			version integer NOT NULL,
			dimension integer NOT NULL,
			count integer NOT NULL,
			embedding_model text NOT NULL,
			built_at timestamptz NOT NULL
		)`, bun.Ident(s.metaTable())); err != nil {
			return err
		}

		for lo := 0; lo < len(rows); lo += insertBatchSize {
			batch := rows[lo:min(lo+insertBatchSize, len(rows))]
			if _, err := tx.NewInsert().Model(&batch).ModelTableExpr("?", bun.Ident(s.table)).Exec(ctx); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO ? (id, version, dimension, count, embedding_model, built_at) VALUES (1, ?, ?, ?, ?, ?)",
			bun.Ident(s.metaTable()), meta.Version, meta.Dimension, meta.Count, meta.EmbeddingModel, meta.BuiltAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrIndexBuild, err)
	}

	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()
	log.Info().Str("table", s.table).Int("count", meta.Count).Int("dimension", meta.Dimension).Dur("took", time.Since(start)).Msg("Index built")
	return nil
}

// Load reads the meta row of the current build
func (s *Store) Load(ctx context.Context) error {
	var exists bool
	if err := s.db.NewRaw("SELECT to_regclass(?) IS NOT NULL", s.metaTable()).Scan(ctx, &exists); err != nil {
		return fmt.Errorf("failed to look up index table: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: table %s does not exist", models.ErrIndexNotFound, s.metaTable())
	}

	var meta indexMeta
	err := s.db.NewRaw("SELECT version, dimension, count, embedding_model, built_at FROM ? WHERE id = 1", bun.Ident(s.metaTable())).Scan(ctx, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: meta row missing", models.ErrIndexCorrupt)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrIndexCorrupt, err)
	}
	if meta.Version != models.IndexFormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", models.ErrIndexCorrupt, meta.Version)
	}
	if meta.Dimension > 0 {
		if err := models.CheckDimension(s.opts.Dimension, meta.Dimension); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.meta = &meta
	s.mu.Unlock()
	return nil
}

func (s *Store) current(ctx context.Context) (*indexMeta, error) {
	s.mu.RLock()
	meta := s.meta
	s.mu.RUnlock()
	if meta != nil {
		return meta, nil
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta, nil
}

// Query ranks rows by cosine distance, ties in insertion order
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	meta, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	if meta.Count == 0 || k <= 0 {
		return []models.ScoredChunk{}, nil
	}
	if err := models.CheckDimension(meta.Dimension, len(vector)); err != nil {
		return nil, err
	}

	q := pgvector.NewVector(vector)
	var rows []scoredRow
	err = s.db.NewRaw(`SELECT seq, chunk_key, source, page_number, chunk_id, content, length, overlap,
			1 - (embedding <=> ?) AS score
		FROM ?
		ORDER BY embedding <=> ?, seq
		LIMIT ?`, q, bun.Ident(s.table), q, k).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	out := make([]models.ScoredChunk, len(rows))
	for i, r := range rows {
		out[i] = models.ScoredChunk{Chunk: r.toChunk(), Score: float32(r.Score)}
	}
	return out, nil
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta == nil {
		return 0
	}
	return s.meta.Count
}

func checkVectors(dimension int, vectors [][]float32) (int, error) {
	for _, v := range vectors {
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: empty vector", models.ErrIndexBuild)
		}
		if dimension == 0 {
			dimension = len(v)
		}
		if err := models.CheckDimension(dimension, len(v)); err != nil {
			return 0, err
		}
	}
	return dimension, nil
}

func toRow(chunk models.Chunk, seq int, vector []float32) ChunkRow {
	return ChunkRow{
		Seq:        seq,
		ChunkKey:   chunk.ID,
		Source:     chunk.Source,
		PageNumber: chunk.PageNumber,
		ChunkID:    chunk.ChunkID,
		Content:    strings.ReplaceAll(chunk.Content, "\x00", ""),
		Length:     chunk.Length,
		Overlap:    chunk.Overlap,
		Embedding:  pgvector.NewVector(vector),
	}
}

func (r ChunkRow) toChunk() models.Chunk {
	return models.Chunk{
		ID:         r.ChunkKey,
		Source:     r.Source,
		PageNumber: r.PageNumber,
		ChunkID:    r.ChunkID,
		Content:    r.Content,
		Length:     r.Length,
		Overlap:    r.Overlap,
	}
}
