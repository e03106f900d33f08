package chromemdb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"pdf-rag/internal/models"
)

const maxLoadAttempts = 3

var errPayloadGone = errors.New("payload missing")

// Options configures how the index is persisted
type Options struct {
	// EncryptionKey enables AES-GCM encryption of the payload, it must be 32 bytes long.
	EncryptionKey string
	Compress      bool
	// Dimension is the expected vector size, 0 accepts whatever was built.
	Dimension      int
	EmbeddingModel string
}

// Index is a flat cosine index backed by an in-memory chromem collection and
// persisted as a manifest plus a content addressed chromem export.
type Index struct {
	dir  string
	opts Options

	buildMu sync.Mutex // serializes Build and Load

	mu   sync.RWMutex
	snap *snapshot
}

// snapshot is an immutable view of one build
type snapshot struct {
	collection *chromem.Collection
	dimension  int
	count      int
}

func NewIndex(dir string, opts Options) (*Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: index path is required", models.ErrConfiguration)
	}
	if opts.EncryptionKey != "" && len(opts.EncryptionKey) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be 32 bytes, got %d", models.ErrConfiguration, len(opts.EncryptionKey))
	}
	return &Index{dir: dir, opts: opts}, nil
}

// chromem only needs an embedding func for text queries, all vectors here are precomputed
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromemdb: text embedding is not supported, pass vectors")
}

// Build replaces the index with chunks and their vectors and persists it
func (i *Index) Build(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", models.ErrIndexBuild, len(chunks), len(vectors))
	}
	dimension, err := i.checkVectors(vectors)
	if err != nil {
		return err
	}

	i.buildMu.Lock()
	defer i.buildMu.Unlock()

	start := time.Now()
	db := chromem.NewDB()
	collection, err := db.CreateCollection(models.CollectionName, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("%w: failed to create collection: %v", models.ErrIndexBuild, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for seq, chunk := range chunks {
		docs[seq] = chromem.Document{
			ID:        documentID(seq),
			Content:   chunk.Content,
			Metadata:  chunkMetadata(chunk, seq),
			Embedding: slices.Clone(vectors[seq]),
		}
	}
	// chromem rejects an empty batch
	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("%w: failed to add documents: %v", models.ErrIndexBuild, err)
		}
	}

	m, err := i.persist(db, dimension, len(docs))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrIndexBuild, err)
	}

	i.swap(&snapshot{collection: collection, dimension: dimension, count: len(docs)})
	log.Info().
		Str("dir", i.dir).
		Str("payload", m.Payload).
		Int("count", m.Count).
		Int("dimension", m.Dimension).
		Dur("took", time.Since(start)).
		Msg("Index built")
	return nil
}

func (i *Index) checkVectors(vectors [][]float32) (int, error) {
	dimension := i.opts.Dimension
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

// persist exports db under a temp name, publishes it by content hash and then switches the manifest
func (i *Index) persist(db *chromem.DB, dimension, count int) (*manifest, error) {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp := filepath.Join(i.dir, tempPrefix+uuid.NewString())
	defer os.Remove(tmp)
	if err := db.ExportToFile(tmp, i.opts.Compress, i.opts.EncryptionKey, models.CollectionName); err != nil {
		return nil, fmt.Errorf("failed to export collection: %w", err)
	}

	sum, err := fileSHA256(tmp)
	if err != nil {
		return nil, err
	}
	m := &manifest{
		Version:        models.IndexFormatVersion,
		Dimension:      dimension,
		Count:          count,
		EmbeddingModel: i.opts.EmbeddingModel,
		Payload:        payloadName(sum, i.opts.Compress, i.opts.EncryptionKey != ""),
		SHA256:         sum,
		Compressed:     i.opts.Compress,
		Encrypted:      i.opts.EncryptionKey != "",
		BuiltAt:        time.Now().UTC(),
	}
	if err := os.Rename(tmp, filepath.Join(i.dir, m.Payload)); err != nil {
		return nil, fmt.Errorf("failed to publish payload: %w", err)
	}

	// readers in other processes may still hold the previous manifest
	var previous string
	if old, err := readManifest(i.dir); err == nil {
		previous = old.Payload
	}
	if err := writeManifest(i.dir, m); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	prune(i.dir, m.Payload, previous)
	return m, nil
}

// Load restores the persisted index after checking its manifest and checksum
func (i *Index) Load(ctx context.Context) error {
	i.buildMu.Lock()
	defer i.buildMu.Unlock()
	return i.load(ctx)
}

// load retries when a concurrent build replaced the payload between reading
// the manifest and opening the payload
func (i *Index) load(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= maxLoadAttempts; attempt++ {
		err = i.loadOnce(ctx)
		if !errors.Is(err, errPayloadGone) {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("Index payload replaced while loading, retrying")
	}
	return err
}

func (i *Index) loadOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := readManifest(i.dir)
	if err != nil {
		return err
	}
	if m.Encrypted && i.opts.EncryptionKey == "" {
		return fmt.Errorf("%w: index is encrypted but no encryption key is configured", models.ErrConfiguration)
	}
	if m.Dimension > 0 {
		if err := models.CheckDimension(i.opts.Dimension, m.Dimension); err != nil {
			return err
		}
	}
	if i.opts.EmbeddingModel != "" && m.EmbeddingModel != "" && i.opts.EmbeddingModel != m.EmbeddingModel {
		log.Warn().Str("built_with", m.EmbeddingModel).Str("configured", i.opts.EmbeddingModel).Msg("Index was built with a different embedding model")
	}

	path := filepath.Join(i.dir, m.Payload)
	sum, err := fileSHA256(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w: %s", models.ErrIndexCorrupt, errPayloadGone, m.Payload)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrIndexCorrupt, err)
	}
	if sum != m.SHA256 {
		return fmt.Errorf("%w: checksum mismatch for %s", models.ErrIndexCorrupt, m.Payload)
	}

	db := chromem.NewDB()
	if err := db.ImportFromFile(path, i.opts.EncryptionKey, models.CollectionName); err != nil {
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return fmt.Errorf("%w: %w: %s", models.ErrIndexCorrupt, errPayloadGone, m.Payload)
		}
		return fmt.Errorf("%w: failed to import %s: %v", models.ErrIndexCorrupt, m.Payload, err)
	}
	collection := db.GetCollection(models.CollectionName, noEmbedding)
	if collection == nil {
		return fmt.Errorf("%w: collection %s missing from payload", models.ErrIndexCorrupt, models.CollectionName)
	}
	if collection.Count() != m.Count {
		return fmt.Errorf("%w: manifest lists %d entries, payload has %d", models.ErrIndexCorrupt, m.Count, collection.Count())
	}

	i.swap(&snapshot{collection: collection, dimension: m.Dimension, count: m.Count})
	log.Debug().Str("payload", m.Payload).Int("count", m.Count).Int("dimension", m.Dimension).Msg("Index loaded")
	return nil
}

func (i *Index) swap(s *snapshot) {
	i.mu.Lock()
	i.snap = s
	i.mu.Unlock()
}

// current returns the live snapshot, loading the persisted index on first use
func (i *Index) current(ctx context.Context) (*snapshot, error) {
	i.mu.RLock()
	s := i.snap
	i.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	i.buildMu.Lock()
	defer i.buildMu.Unlock()
	i.mu.RLock()
	s = i.snap
	i.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	if err := i.load(ctx); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snap, nil
}

// Query returns up to k chunks by descending cosine similarity, ties in insertion order
func (i *Index) Query(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	s, err := i.current(ctx)
	if err != nil {
		return nil, err
	}
	if s.count == 0 || k <= 0 {
		return []models.ScoredChunk{}, nil
	}
	if err := models.CheckDimension(s.dimension, len(vector)); err != nil {
		return nil, err
	}

	// chromem does not order ties, so rank every entry and cut afterwards
	results, err := s.collection.QueryEmbedding(ctx, vector, s.count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	type hit struct {
		seq int
		sc  models.ScoredChunk
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		chunk, seq := chunkFromResult(r)
		hits = append(hits, hit{seq: seq, sc: models.ScoredChunk{Chunk: chunk, Score: r.Similarity}})
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(b.sc.Score, a.sc.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]models.ScoredChunk, 0, min(k, len(hits)))
	for _, h := range hits[:min(k, len(hits))] {
		out = append(out, h.sc)
	}
	return out, nil
}

// Count is the number of entries in the live snapshot, 0 before anything was built or loaded
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.snap == nil {
		return 0
	}
	return i.snap.count
}

func (i *Index) Dimension() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.snap == nil {
		return i.opts.Dimension
	}
	return i.snap.dimension
}

func documentID(seq int) string {
	return fmt.Sprintf("%08d", seq)
}

func chunkMetadata(chunk models.Chunk, seq int) map[string]string {
	return map[string]string{
		"id":       chunk.ID,
		"source":   chunk.Source,
		"page":     strconv.Itoa(chunk.PageNumber),
		"chunk_id": strconv.Itoa(chunk.ChunkID),
		"length":   strconv.Itoa(chunk.Length),
		"overlap":  strconv.Itoa(chunk.Overlap),
		"seq":      strconv.Itoa(seq),
	}
}

func chunkFromResult(r chromem.Result) (models.Chunk, int) {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(r.Metadata[key])
		return n
	}
	return models.Chunk{
		ID:         r.Metadata["id"],
		Source:     r.Metadata["source"],
		PageNumber: atoi("page"),
		ChunkID:    atoi("chunk_id"),
		Content:    r.Content,
		Length:     atoi("length"),
		Overlap:    atoi("overlap"),
	}, atoi("seq")
}
