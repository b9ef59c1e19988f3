package kb

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode"

	"github.com/stretchr/testify/require"

	"github.com/simpleflo/kbchat/internal/config"
)

const testDimension = 64

// hashEmbedder maps each word to a bucket, so texts sharing words score
// close together. It never touches the network.
type hashEmbedder struct {
	calls atomic.Int32
}

func (h *hashEmbedder) vector(text string) []float32 {
	v := make([]float32, testDimension)
	v[0] = 0.1
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		v[1+int(f.Sum32()%uint32(testDimension-1))]++
	}
	return v
}

func (h *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h.calls.Add(1)
	return h.vector(text), nil
}

func (h *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	h.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *hashEmbedder) Model() string { return "hash" }

func (h *hashEmbedder) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Available: true, ModelPresent: true, Model: "hash"}
}

// downEmbedder behaves like an unreachable backend.
type downEmbedder struct{}

func (downEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, EmbeddingUnavailableError("down", errors.New("connection refused"))
}

func (downEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, EmbeddingUnavailableError("down", errors.New("connection refused"))
}

func (downEmbedder) Model() string { return "down" }

func (downEmbedder) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Model: "down", Reason: "embedding backend unreachable"}
}

// slowEmbedder reports healthy but times out on every call.
type slowEmbedder struct{ downEmbedder }

func (slowEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, TimeoutError("embedding", context.DeadlineExceeded)
}

func (slowEmbedder) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Available: true, ModelPresent: true, Model: "slow"}
}

// globalFailStore fails every insert into the global index.
type globalFailStore struct {
	*ChromemStore
}

func (s globalFailStore) Insert(ctx context.Context, h IndexHandle, records []Record) error {
	if h.Key == GlobalKey {
		return errors.New("disk full")
	}
	return s.ChromemStore.Insert(ctx, h, records)
}

// countingRebuilder counts on-demand global rebuilds.
type countingRebuilder struct {
	inner *Indexer
	calls atomic.Int32
}

func (c *countingRebuilder) RebuildGlobal(ctx context.Context) (*RebuildReport, error) {
	c.calls.Add(1)
	return c.inner.RebuildGlobal(ctx)
}

type testEnv struct {
	library   *Library
	store     *ChromemStore
	catalog   *MemoryCatalog
	embedder  *hashEmbedder
	indexer   *Indexer
	rebuilder *countingRebuilder
	router    *Router
}

func testKBConfig() config.KBConfig {
	return config.KBConfig{
		ChunkSize:         1000,
		ChunkOverlap:      200,
		AcademicKeywords:  []string{"thesis", "paper", "ieee"},
		LongDocumentBytes: 1 << 20,
	}
}

// newTestEnv wires a full pipeline over temp directories. mutate may
// swap collaborators before the indexer is built.
func newTestEnv(t *testing.T, mutate ...func(*IndexerOptions)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := NewChromemStore(filepath.Join(dir, "vector_db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	loader := NewLoader(filepath.Join(dir, "knowledge_db"), 0)
	library := NewLibrary(filepath.Join(dir, "knowledge_db"), loader)
	catalog := NewMemoryCatalog()
	embedder := &hashEmbedder{}

	opts := IndexerOptions{
		Library:  library,
		Loader:   loader,
		Chunker:  NewChunker(),
		Policies: NewPolicyTable(testKBConfig()),
		Embedder: embedder,
		Store:    store,
		Catalog:  catalog,
	}
	for _, m := range mutate {
		m(&opts)
	}

	indexer := NewIndexer(opts)
	rebuilder := &countingRebuilder{inner: indexer}

	return &testEnv{
		library:   library,
		store:     store,
		catalog:   catalog,
		embedder:  embedder,
		indexer:   indexer,
		rebuilder: rebuilder,
		router:    NewRouter(opts.Store, opts.Embedder, library, rebuilder, nil),
	}
}

// writeDoc puts a document into a category directory and returns its path.
func (e *testEnv) writeDoc(t *testing.T, category, name, content string) string {
	t.Helper()
	dir := filepath.Join(e.library.Root(), filepath.FromSlash(category))
	require.NoError(t, os.MkdirAll(dir, 0755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func (e *testEnv) count(t *testing.T, key string) int {
	t.Helper()
	exists, err := e.store.Exists(context.Background(), key)
	require.NoError(t, err)
	if !exists {
		return 0
	}
	n, err := e.store.Count(context.Background(), IndexHandle{Key: key})
	require.NoError(t, err)
	return n
}
