package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"pdf-rag/internal/models"
)

func testChunks(n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		content := fmt.Sprintf("chunk number %d", i)
		chunks[i] = models.Chunk{
			ID:         fmt.Sprintf("doc.pdf:p%d:c1", i+1),
			Source:     "doc.pdf",
			PageNumber: i + 1,
			ChunkID:    1,
			Content:    content,
			Length:     len(content),
		}
	}
	return chunks
}

// fiveVectors are the unit axes of R^4 plus a diagonal
func fiveVectors() [][]float32 {
	return [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
		{1, 1, 0, 0},
	}
}

func newTestIndex(t *testing.T, opts Options) (*Index, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	idx, err := NewIndex(dir, opts)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return idx, dir
}

func TestQueryExactMatchOnTop(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, Options{})
	chunks := testChunks(5)
	if err := idx.Build(ctx, chunks, fiveVectors()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	results, err := idx.Query(ctx, []float32{0, 0, 1, 0}, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Chunk.ID != chunks[2].ID || results[0].Chunk.Content != chunks[2].Content {
		t.Errorf("top result = %+v, want %s", results[0].Chunk, chunks[2].ID)
	}
	if math.Abs(float64(results[0].Score)-1) > 1e-5 {
		t.Errorf("top score = %v, want 1", results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not in descending order at %d", i)
		}
	}
}

func TestQueryTiesInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, Options{})
	chunks := testChunks(5)
	if err := idx.Build(ctx, chunks, fiveVectors()); err != nil {
		t.Fatal(err)
	}

	// every vector except the last is orthogonal to this query
	results, err := idx.Query(ctx, []float32{0, 0, 0, 1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{3, 0, 1, 2, 4}
	for i, w := range want {
		if results[i].Chunk.ID != chunks[w].ID {
			t.Errorf("position %d = %s, want %s", i, results[i].Chunk.ID, chunks[w].ID)
		}
	}
}

func TestQueryFewerThanK(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, Options{})
	if err := idx.Build(ctx, testChunks(2), fiveVectors()[:2]); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestEmptyBuild(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, Options{})
	if err := idx.Build(ctx, nil, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	results, err := idx.Query(ctx, []float32{1, 2, 3}, 3)
	if err != nil || len(results) != 0 {
		t.Fatalf("Query = %v, %v; want no results", results, err)
	}

	reloaded, err := NewIndex(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	results, err = reloaded.Query(ctx, []float32{1, 2, 3}, 3)
	if err != nil || len(results) != 0 {
		t.Fatalf("reloaded Query = %v, %v; want no results", results, err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, opts := range []Options{
		{},
		{Compress: true},
		{Compress: true, EncryptionKey: "0123456789abcdef0123456789abcdef"},
	} {
		t.Run(fmt.Sprintf("compress=%t,encrypted=%t", opts.Compress, opts.EncryptionKey != ""), func(t *testing.T) {
			ctx := context.Background()
			idx, dir := newTestIndex(t, opts)
			if err := idx.Build(ctx, testChunks(5), fiveVectors()); err != nil {
				t.Fatal(err)
			}
			query := []float32{0.2, 0.9, 0.1, 0}
			before, err := idx.Query(ctx, query, 4)
			if err != nil {
				t.Fatal(err)
			}

			reloaded, err := NewIndex(dir, opts)
			if err != nil {
				t.Fatal(err)
			}
			if err := reloaded.Load(ctx); err != nil {
				t.Fatalf("Load: %v", err)
			}
			if reloaded.Count() != 5 || reloaded.Dimension() != 4 {
				t.Errorf("reloaded count=%d dimension=%d", reloaded.Count(), reloaded.Dimension())
			}
			after, err := reloaded.Query(ctx, query, 4)
			if err != nil {
				t.Fatal(err)
			}

			if len(before) != len(after) {
				t.Fatalf("got %d results after reload, want %d", len(after), len(before))
			}
			for i := range before {
				if before[i].Chunk != after[i].Chunk || before[i].Score != after[i].Score {
					t.Errorf("result %d differs: %+v vs %+v", i, before[i], after[i])
				}
			}
		})
	}
}

func TestRebuildKeepsPreviousPayload(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, Options{})

	var payloads []string
	for _, n := range []int{5, 2, 3} {
		if err := idx.Build(ctx, testChunks(n), fiveVectors()[:n]); err != nil {
			t.Fatal(err)
		}
		m, err := readManifest(dir)
		if err != nil {
			t.Fatal(err)
		}
		payloads = append(payloads, m.Payload)
	}
	if idx.Count() != 3 {
		t.Errorf("Count = %d, want 3", idx.Count())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{manifestName, payloads[1], payloads[2]}
	slices.Sort(names)
	slices.Sort(want)
	if !slices.Equal(names, want) {
		t.Errorf("index dir holds %v, want %v", names, want)
	}
}

func TestLoadDuringRebuildsInAnotherInstance(t *testing.T) {
	ctx := context.Background()
	writer, dir := newTestIndex(t, Options{})
	if err := writer.Build(ctx, testChunks(5), fiveVectors()); err != nil {
		t.Fatal(err)
	}
	reader, err := NewIndex(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 40; i++ {
			n := 1 + i%5
			if err := writer.Build(ctx, testChunks(n), fiveVectors()[:n]); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	var failures int
	var last error
	for running := true; running; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			running = false
		default:
		}
		if err := reader.Load(ctx); err != nil {
			failures++
			last = err
		}
	}
	if failures > 0 {
		t.Fatalf("%d loads failed during rebuilds, last: %v", failures, last)
	}
	if reader.Count() != writer.Count() {
		t.Errorf("reader count = %d, writer count = %d", reader.Count(), writer.Count())
	}
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, Options{})

	vec768 := make([]float32, 768)
	vec768[0] = 1
	if err := idx.Build(ctx, testChunks(1), [][]float32{vec768}); err != nil {
		t.Fatal(err)
	}

	_, err := idx.Query(ctx, make([]float32, 384), 3)
	var dimErr *models.DimensionMismatchError
	if !errors.As(err, &dimErr) || dimErr.Want != 768 || dimErr.Got != 384 {
		t.Fatalf("Query error = %v, want dimension mismatch 768/384", err)
	}

	configured, err := NewIndex(dir, Options{Dimension: 384})
	if err != nil {
		t.Fatal(err)
	}
	if err := configured.Load(ctx); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("Load error = %v, want ErrDimensionMismatch", err)
	}
}

func TestBuildValidation(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, Options{})

	if err := idx.Build(ctx, testChunks(3), fiveVectors()[:2]); !errors.Is(err, models.ErrIndexBuild) {
		t.Errorf("length mismatch: got %v, want ErrIndexBuild", err)
	}
	mixed := [][]float32{{1, 0, 0}, {1, 0}}
	if err := idx.Build(ctx, testChunks(2), mixed); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("mixed dimensions: got %v, want ErrDimensionMismatch", err)
	}
	if idx.Count() != 0 {
		t.Errorf("failed builds left %d entries", idx.Count())
	}
}

func TestLoadFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		idx, _ := newTestIndex(t, Options{})
		if err := idx.Load(ctx); !errors.Is(err, models.ErrIndexNotFound) {
			t.Fatalf("Load = %v, want ErrIndexNotFound", err)
		}
		if _, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 3); !errors.Is(err, models.ErrIndexNotFound) {
			t.Fatalf("Query = %v, want ErrIndexNotFound", err)
		}
	})

	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string, m *manifest)
	}{
		{"tampered payload", func(t *testing.T, dir string, m *manifest) {
			path := filepath.Join(dir, m.Payload)
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			data[len(data)/2] ^= 0xff
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"missing payload", func(t *testing.T, dir string, m *manifest) {
			if err := os.Remove(filepath.Join(dir, m.Payload)); err != nil {
				t.Fatal(err)
			}
		}},
		{"unknown version", func(t *testing.T, dir string, m *manifest) {
			m.Version = 99
			if err := writeManifest(dir, m); err != nil {
				t.Fatal(err)
			}
		}},
		{"payload outside directory", func(t *testing.T, dir string, m *manifest) {
			m.Payload = "../" + m.Payload
			if err := writeManifest(dir, m); err != nil {
				t.Fatal(err)
			}
		}},
		{"garbage manifest", func(t *testing.T, dir string, m *manifest) {
			if err := os.WriteFile(filepath.Join(dir, manifestName), []byte("{not: [yaml"), 0o644); err != nil {
				t.Fatal(err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, dir := newTestIndex(t, Options{})
			if err := idx.Build(ctx, testChunks(5), fiveVectors()); err != nil {
				t.Fatal(err)
			}
			m, err := readManifest(dir)
			if err != nil {
				t.Fatal(err)
			}
			tt.corrupt(t, dir, m)

			reloaded, err := NewIndex(dir, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if err := reloaded.Load(ctx); !errors.Is(err, models.ErrIndexCorrupt) {
				t.Fatalf("Load = %v, want ErrIndexCorrupt", err)
			}
		})
	}
}

func TestEncryptedIndexNeedsKey(t *testing.T) {
	ctx := context.Background()
	key := "0123456789abcdef0123456789abcdef"
	idx, dir := newTestIndex(t, Options{EncryptionKey: key})
	if err := idx.Build(ctx, testChunks(5), fiveVectors()); err != nil {
		t.Fatal(err)
	}

	noKey, _ := NewIndex(dir, Options{})
	if err := noKey.Load(ctx); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Load without key = %v, want ErrConfiguration", err)
	}

	wrongKey, _ := NewIndex(dir, Options{EncryptionKey: "fedcba9876543210fedcba9876543210"})
	if err := wrongKey.Load(ctx); !errors.Is(err, models.ErrIndexCorrupt) {
		t.Errorf("Load with wrong key = %v, want ErrIndexCorrupt", err)
	}

	if _, err := NewIndex(dir, Options{EncryptionKey: "short"}); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("short key: got %v, want ErrConfiguration", err)
	}
}
