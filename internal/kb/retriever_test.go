package kb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simpleflo/kbchat/pkg/models"
)

func TestRouter_ResolvePreconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  ResolveRequest
		code models.ErrorCode
	}{
		{"free chat", ResolveRequest{Mode: models.ModeFreeChat}, models.ErrInvalidMode},
		{"unknown mode", ResolveRequest{Mode: "web"}, models.ErrInvalidMode},
		{"missing category", ResolveRequest{Mode: models.ModeCategoryQA, SelectedDocs: []string{"a.txt"}}, models.ErrCategoryRequired},
		{"missing documents", ResolveRequest{Mode: models.ModeCategoryQA, Category: "history"}, models.ErrDocumentsRequired},
		{"blank documents", ResolveRequest{Mode: models.ModeCategoryQA, Category: "history", SelectedDocs: []string{" "}}, models.ErrDocumentsRequired},
		{"escaping document", ResolveRequest{Mode: models.ModeCategoryQA, Category: "history", SelectedDocs: []string{"../x.txt"}}, models.ErrFileNotFound},
		{"reserved category", ResolveRequest{Mode: models.ModeCategoryQA, Category: GlobalKey, SelectedDocs: []string{"a.txt"}}, models.ErrInvalidCategory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := env.router.Resolve(ctx, tt.req)
			assert.Nil(t, r)
			assert.True(t, models.IsCode(err, tt.code), "want %s, got %v", tt.code, err)
		})
	}
	assert.Zero(t, env.embedder.calls.Load(), "preconditions must fail before any embedding")
}

func TestRouter_EmptyCategoryIsNotIndexed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeDoc(t, "history", "notes.txt", "never indexed")

	_, err := env.router.Resolve(ctx, ResolveRequest{
		Mode:         models.ModeCategoryQA,
		Category:     "history",
		SelectedDocs: []string{"notes.txt"},
	})
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrNotIndexed), "got %v", err)
	assert.True(t, models.IsKind(err, models.KindConsistency))

	keys, _ := env.store.Keys(ctx)
	assert.Empty(t, keys, "resolving must not create indexes")
}

func TestRouter_SelectedDocumentMustBeIndexed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	y := env.writeDoc(t, "history", "y.txt", "the treaty of westphalia")
	_, err := env.indexer.IndexOne(ctx, y, "history")
	require.NoError(t, err)
	env.writeDoc(t, "history", "x.txt", "written but never indexed")

	tests := []struct {
		name string
		docs []string
		code models.ErrorCode
	}{
		{"unindexed document", []string{"x.txt"}, models.ErrNotIndexed},
		{"unindexed among indexed", []string{"y.txt", "x.txt"}, models.ErrNotIndexed},
		{"missing document", []string{"nope.txt"}, models.ErrFileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := env.router.Resolve(ctx, ResolveRequest{
				Mode:         models.ModeCategoryQA,
				Category:     "history",
				SelectedDocs: tt.docs,
			})
			assert.Nil(t, r)
			require.Error(t, err)
			assert.True(t, models.IsCode(err, tt.code), "want %s, got %v", tt.code, err)
		})
	}

	_, err = env.router.Resolve(ctx, ResolveRequest{
		Mode:         models.ModeCategoryQA,
		Category:     "history",
		SelectedDocs: []string{"x.txt"},
	})
	kbErr, ok := models.AsKBError(err)
	require.True(t, ok)
	assert.Equal(t, "x.txt", kbErr.Details["document"])

	r, err := env.router.Resolve(ctx, ResolveRequest{
		Mode:         models.ModeCategoryQA,
		Category:     "history",
		SelectedDocs: []string{"y.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{y}, r.Sources())
}

func TestRouter_FilterSelectsDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	x := env.writeDoc(t, "physics", "x.pdf.txt", "quantum entanglement and spooky action")
	y := env.writeDoc(t, "physics", "y.txt", "quantum entanglement experiments in labs")
	_, err := env.indexer.IndexBatch(ctx, "physics", []string{x, y})
	require.NoError(t, err)

	r, err := env.router.Resolve(ctx, ResolveRequest{
		Mode:         models.ModeCategoryQA,
		Category:     "physics",
		SelectedDocs: []string{"x.pdf.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{x}, r.Sources())

	hits, err := r.Search(ctx, "quantum entanglement experiments", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, x, h.Source())
	}
}

func TestRouter_SelectedDocsAsRelativePaths(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.writeDoc(t, "history", "notes.txt", "the fall of constantinople")
	_, err := env.indexer.IndexOne(ctx, p, "history")
	require.NoError(t, err)

	for _, doc := range []string{"notes.txt", "history/notes.txt", "/notes.txt"} {
		r, err := env.router.Resolve(ctx, ResolveRequest{
			Mode:         models.ModeCategoryQA,
			Category:     "history",
			SelectedDocs: []string{doc},
		})
		require.NoError(t, err, doc)
		assert.Equal(t, []string{p}, r.Sources(), doc)
	}
}

func TestRouter_CategoryIsolation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	text := "photosynthesis converts light into chemical energy"
	a := env.writeDoc(t, "biology", "leaf.txt", text)
	b := env.writeDoc(t, "chemistry", "leaf.txt", text)
	_, err := env.indexer.IndexOne(ctx, a, "biology")
	require.NoError(t, err)
	_, err = env.indexer.IndexOne(ctx, b, "chemistry")
	require.NoError(t, err)

	r, err := env.router.Resolve(ctx, ResolveRequest{
		Mode:         models.ModeCategoryQA,
		Category:     "chemistry",
		SelectedDocs: []string{"leaf.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"chemistry"}, r.Scope())

	hits, err := r.Search(ctx, text, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b, hits[0].Source())
	assert.Equal(t, "chemistry", hits[0].Index)

	all, err := env.router.Resolve(ctx, ResolveRequest{Mode: models.ModeKnowledgeChat})
	require.NoError(t, err)
	hits, err = all.Search(ctx, text, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2, "the global index spans both categories")
}

func TestRouter_KnowledgeChatRebuildsEmptyGlobal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	p := env.writeDoc(t, "history", "notes.txt", "the magna carta was sealed in 1215")
	_, err := env.indexer.IndexOne(ctx, p, "history")
	require.NoError(t, err)
	require.NoError(t, env.store.DeleteIndex(ctx, GlobalKey))

	r, err := env.router.Resolve(ctx, ResolveRequest{Mode: models.ModeKnowledgeChat})
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.rebuilder.calls.Load())
	assert.Equal(t, []string{GlobalKey}, r.Scope())
	assert.Equal(t, models.ModeKnowledgeChat, r.Mode())

	hits, err := r.Search(ctx, "magna carta", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, p, hits[0].Source())

	_, err = env.router.Resolve(ctx, ResolveRequest{Mode: models.ModeKnowledgeChat})
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.rebuilder.calls.Load(), "a populated global index needs no rebuild")

	entries, _ := env.catalog.ListFiles(ctx)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].GlobalMirrored)
}

// ctxRebuilder fails when the context it is handed is already done.
type ctxRebuilder struct {
	inner *Indexer
}

func (c ctxRebuilder) RebuildGlobal(ctx context.Context) (*RebuildReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.inner.RebuildGlobal(ctx)
}

func TestRouter_GlobalRebuildOutlivesCancelledCaller(t *testing.T) {
	env := newTestEnv(t)
	p := env.writeDoc(t, "history", "notes.txt", "the congress of vienna in 1815")
	_, err := env.indexer.IndexOne(context.Background(), p, "history")
	require.NoError(t, err)
	require.NoError(t, env.store.DeleteIndex(context.Background(), GlobalKey))

	router := NewRouter(env.store, env.embedder, env.library, ctxRebuilder{inner: env.indexer}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := router.Resolve(ctx, ResolveRequest{Mode: models.ModeKnowledgeChat})
	require.NoError(t, err, "the shared rebuild must not inherit the caller's cancellation")
	assert.Equal(t, []string{GlobalKey}, r.Scope())
	assert.Positive(t, env.count(t, GlobalKey))
}

func TestRouter_KnowledgeChatWithoutDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.router.Resolve(ctx, ResolveRequest{Mode: models.ModeKnowledgeChat})
	assert.True(t, models.IsCode(err, models.ErrGlobalUnavailable), "got %v", err)
	assert.Equal(t, int32(1), env.rebuilder.calls.Load())
}

func TestRouter_KnowledgeChatRebuildNeedsEmbedder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *IndexerOptions) { o.Embedder = downEmbedder{} })
	env.writeDoc(t, "history", "notes.txt", "text")

	_, err := env.router.Resolve(ctx, ResolveRequest{Mode: models.ModeKnowledgeChat})
	assert.True(t, models.IsCode(err, models.ErrEmbeddingUnavailable), "got %v", err)
}

func TestRouter_ResolveCategories(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.writeDoc(t, "history", "rome.txt", "roman legions marched")
	b := env.writeDoc(t, "military", "tactics.txt", "legions used testudo formation")
	env.writeDoc(t, "cooking", "bread.txt", "sourdough bread")
	for _, p := range []string{a, b} {
		_, err := env.indexer.IndexOne(ctx, p, "")
		require.NoError(t, err)
	}

	r, err := env.router.ResolveCategories(ctx, []string{"history", "military", "history"})
	require.NoError(t, err)
	assert.Equal(t, []string{"history", "military"}, r.Scope())
	assert.Nil(t, r.Sources())

	hits, err := r.Search(ctx, "legions", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = env.router.ResolveCategories(ctx, []string{"history", "cooking"})
	assert.True(t, models.IsCode(err, models.ErrNotIndexed), "got %v", err)

	_, err = env.router.ResolveCategories(ctx, nil)
	assert.True(t, models.IsCode(err, models.ErrCategoryRequired), "got %v", err)
}

func TestRetriever_BlankQuery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.writeDoc(t, "notes", "a.txt", "content")
	_, err := env.indexer.IndexOne(ctx, p, "notes")
	require.NoError(t, err)

	r, err := env.router.ResolveCategories(ctx, []string{"notes"})
	require.NoError(t, err)
	hits, err := r.Search(ctx, "   ", 4)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRouter_Retrieve(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.writeDoc(t, "history", "notes.txt", "the battle of hastings in 1066")
	_, err := env.indexer.IndexOne(ctx, p, "history")
	require.NoError(t, err)

	hits, err := env.router.Retrieve(ctx, ResolveRequest{
		Mode:         models.ModeCategoryQA,
		Category:     "history",
		SelectedDocs: []string{"notes.txt"},
	}, "hastings", 4)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "history/notes.txt", hits[0].Metadata[MetaRelativePath])

	_, err = env.router.Retrieve(ctx, ResolveRequest{Mode: models.ModeCategoryQA}, "hastings", 4)
	assert.True(t, models.IsCode(err, models.ErrCategoryRequired), "got %v", err)
}
