package kb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simpleflo/kbchat/pkg/models"
)

func testRecord(source string, index int, text string, vec ...float32) Record {
	return Record{
		ID:     RecordID(source, index, text),
		Text:   text,
		Vector: vec,
		Metadata: map[string]string{
			MetaSource:     source,
			MetaChunkIndex: "0",
		},
	}
}

func newTestStore(t *testing.T) (*ChromemStore, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "vectors")
	store, err := NewChromemStore(root, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, root
}

func TestChromemStore_InsertSearchCount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	h, err := store.Open(ctx, "history")
	require.NoError(t, err)

	err = store.Insert(ctx, h, []Record{
		testRecord("/kb/history/a.txt", 0, "alpha", 1, 0, 0),
		testRecord("/kb/history/b.txt", 0, "beta", 0, 1, 0),
		testRecord("/kb/history/c.txt", 0, "gamma", 0.9, 0.1, 0),
	})
	require.NoError(t, err)

	n, err := store.Count(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := store.Search(ctx, h, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "alpha", hits[0].Text)
	assert.Equal(t, "gamma", hits[1].Text)
	assert.Equal(t, "history", hits[0].Index)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "/kb/history/a.txt", hits[0].Source())
}

func TestChromemStore_SearchMoreThanCount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	h, _ := store.Open(ctx, "notes")
	require.NoError(t, store.Insert(ctx, h, []Record{testRecord("/n.txt", 0, "only", 0, 0, 1)}))

	hits, err := store.Search(ctx, h, []float32{0, 0, 1}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemStore_SearchEmptyIndex(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	h, _ := store.Open(ctx, "empty")

	hits, err := store.Search(ctx, h, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemStore_SourceFilter(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	h, _ := store.Open(ctx, "history")

	require.NoError(t, store.Insert(ctx, h, []Record{
		testRecord("/kb/history/a.txt", 0, "a0", 1, 0, 0),
		testRecord("/kb/history/a.txt", 1, "a1", 0.8, 0.2, 0),
		testRecord("/kb/history/b.txt", 0, "b0", 1, 0.01, 0),
		testRecord("/kb/history/c.txt", 0, "c0", 0, 1, 0),
	}))

	hits, err := store.Search(ctx, h, []float32{1, 0, 0}, 5, &Filter{Sources: []string{"/kb/history/a.txt", "/kb/history/c.txt"}})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, hit := range hits {
		assert.NotEqual(t, "/kb/history/b.txt", hit.Source(), "filtered source leaked into results")
	}
	assert.Equal(t, "a0", hits[0].Text)
	assert.Equal(t, "c0", hits[2].Text)

	hits, err = store.Search(ctx, h, []float32{1, 0, 0}, 5, &Filter{Sources: []string{"/kb/history/missing.txt"}})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemStore_ReinsertReplaces(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	h, _ := store.Open(ctx, "notes")

	batch := []Record{
		testRecord("/n.txt", 0, "first", 1, 0),
		testRecord("/n.txt", 1, "second", 0, 1),
	}
	require.NoError(t, store.Insert(ctx, h, batch))
	require.NoError(t, store.Insert(ctx, h, batch))

	n, err := store.Count(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "records with the same ID should be replaced")
}

func TestChromemStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	h, _ := store.Open(ctx, "notes")
	require.NoError(t, store.Insert(ctx, h, []Record{testRecord("/n.txt", 0, "x", 1, 0, 0)}))

	err := store.Insert(ctx, h, []Record{testRecord("/n.txt", 1, "y", 1, 0)})
	assert.True(t, models.IsCode(err, models.ErrDimensionMismatch), "got %v", err)

	n, _ := store.Count(ctx, h)
	assert.Equal(t, 1, n)
}

func TestChromemStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "vectors")

	first, err := NewChromemStore(root, false, nil)
	require.NoError(t, err)
	h, _ := first.Open(ctx, "papers/ml")
	require.NoError(t, first.Insert(ctx, h, []Record{testRecord("/p.pdf", 0, "attention", 0, 1)}))
	require.NoError(t, first.Close())

	second, err := NewChromemStore(root, false, nil)
	require.NoError(t, err)
	n, err := second.Count(ctx, IndexHandle{Key: "papers/ml"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChromemStore_CountSources(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "vectors")

	first, err := NewChromemStore(root, false, nil)
	require.NoError(t, err)
	h, _ := first.Open(ctx, "history")
	require.NoError(t, first.Insert(ctx, h, []Record{
		testRecord("/kb/history/a.txt", 0, "a0", 1, 0, 0),
		testRecord("/kb/history/a.txt", 1, "a1", 0, 1, 0),
		testRecord("/kb/history/b.txt", 0, "b0", 0, 0, 1),
	}))

	want := map[string]int{"/kb/history/a.txt": 2, "/kb/history/b.txt": 1, "/kb/history/x.txt": 0}
	got, err := first.CountSources(ctx, h, []string{"/kb/history/a.txt", "/kb/history/b.txt", "/kb/history/x.txt"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, first.Close())

	second, err := NewChromemStore(root, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	got, err = second.CountSources(ctx, h, []string{"/kb/history/a.txt", "/kb/history/b.txt", "/kb/history/x.txt"})
	require.NoError(t, err)
	assert.Equal(t, want, got, "the dimension survives a restart")

	empty, _ := second.Open(ctx, "empty")
	got, err = second.CountSources(ctx, empty, []string{"/kb/empty/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"/kb/empty/a.txt": 0}, got)
}

func TestChromemStore_KeysAndDeleteNested(t *testing.T) {
	ctx := context.Background()
	store, root := newTestStore(t)

	for _, key := range []string{"papers", "papers/ml", GlobalKey} {
		h, err := store.Open(ctx, key)
		require.NoError(t, err)
		require.NoError(t, store.Insert(ctx, h, []Record{testRecord("/"+key, 0, key, 1, 1)}))
	}

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"__global__", "papers", "papers/ml"}, keys)

	require.NoError(t, store.DeleteIndex(ctx, "papers/ml"))
	_, err = os.Stat(filepath.Join(root, "papers", "ml"))
	assert.True(t, os.IsNotExist(err), "empty category dir should be pruned")

	n, err := store.Count(ctx, IndexHandle{Key: "papers"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "parent category must survive deleting a child")

	keys, _ = store.Keys(ctx)
	assert.Equal(t, []string{"__global__", "papers"}, keys)
}

func TestChromemStore_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, key := range []string{"", "../escape", "/abs", ".hidden"} {
		_, err := store.Open(ctx, key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestChromemStore_FallsBackToTemp(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	store, err := NewChromemStore(filepath.Join(blocker, "vectors"), false, nil)
	require.NoError(t, err)
	assert.True(t, store.Degraded())
	assert.Equal(t, filepath.Join(tmp, FallbackDirName), store.Location())

	ctx := context.Background()
	h, err := store.Open(ctx, "notes")
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, h, []Record{testRecord("/n.txt", 0, "saved", 1, 0)}))

	_, err = os.Stat(filepath.Join(tmp, FallbackDirName, "notes", chromemDirName))
	assert.NoError(t, err)
}

func TestChromemStore_FallbackUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	t.Setenv("TMPDIR", blocker)

	_, err := NewChromemStore(filepath.Join(blocker, "vectors"), false, nil)
	assert.True(t, models.IsCode(err, models.ErrStorageUnavailable), "got %v", err)
}

func TestCollectionNameRoundTrip(t *testing.T) {
	for _, key := range []string{"history", "papers/ml", GlobalKey, "历史/笔记"} {
		name := collectionName("kbchat", key)
		assert.NotContains(t, name, "/")
		got, ok := keyFromCollection("kbchat", name)
		require.True(t, ok, "decode %s", name)
		assert.Equal(t, key, got)
	}

	_, ok := keyFromCollection("kbchat", "other_collection")
	assert.False(t, ok)
	_, ok = keyFromCollection("kbchat", "kbchat_!!")
	assert.False(t, ok)
}

func TestMergeResults(t *testing.T) {
	a := []ScoredSegment{{Text: "a1", Score: 0.9}, {Text: "a2", Score: 0.5}}
	b := []ScoredSegment{{Text: "b1", Score: 0.7}, {Text: "b2", Score: 0.9}}

	got := mergeResults(3, a, b)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a1", "b2", "b1"}, []string{got[0].Text, got[1].Text, got[2].Text})
}
