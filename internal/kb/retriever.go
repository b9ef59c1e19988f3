package kb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/pkg/models"
)

// GlobalRebuilder re-derives the global index on demand.
type GlobalRebuilder interface {
	RebuildGlobal(ctx context.Context) (*RebuildReport, error)
}

// ResolveRequest selects the index scope for one question.
type ResolveRequest struct {
	Mode         models.ChatMode
	Category     string
	SelectedDocs []string
}

// scope is one index searched by a Retriever, with an optional filter.
type scope struct {
	key    string
	filter *Filter
}

// Retriever is a bound handle over one or more indexes. It is only
// handed out when every index it covers has records.
type Retriever struct {
	mode     models.ChatMode
	scopes   []scope
	store    IndexStore
	embedder Embedder
	metrics  *observability.Metrics
}

// Mode returns the chat mode the retriever was resolved for.
func (r *Retriever) Mode() models.ChatMode { return r.mode }

// Scope returns the index keys the retriever searches.
func (r *Retriever) Scope() []string {
	keys := make([]string, len(r.scopes))
	for i, s := range r.scopes {
		keys[i] = s.key
	}
	return keys
}

// Sources returns the allowed source paths, or nil when unrestricted.
func (r *Retriever) Sources() []string {
	var out []string
	for _, s := range r.scopes {
		if s.filter != nil {
			out = append(out, s.filter.Sources...)
		}
	}
	return out
}

// Search embeds query once and returns the k best segments across every
// scope, best first.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]ScoredSegment, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}

	start := time.Now()
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	lists := make([][]ScoredSegment, 0, len(r.scopes))
	for _, s := range r.scopes {
		hits, err := r.store.Search(ctx, IndexHandle{Key: s.key}, vector, k, s.filter)
		if err != nil {
			return nil, err
		}
		lists = append(lists, hits)
	}

	r.metrics.ObserveSearch(string(r.mode), time.Since(start))
	return mergeResults(k, lists...), nil
}

// Router resolves a chat mode to a Retriever.
type Router struct {
	store     IndexStore
	embedder  Embedder
	library   *Library
	rebuilder GlobalRebuilder
	metrics   *observability.Metrics
	logger    zerolog.Logger

	rebuilds singleflight.Group
}

// NewRouter creates a router. rebuilder is used when knowledge_chat finds
// the global index empty.
func NewRouter(store IndexStore, embedder Embedder, library *Library, rebuilder GlobalRebuilder, metrics *observability.Metrics) *Router {
	return &Router{
		store:     store,
		embedder:  embedder,
		library:   library,
		rebuilder: rebuilder,
		metrics:   metrics,
		logger:    observability.Logger("kb.router"),
	}
}

// Resolve returns a retriever for the request or an error saying why no
// usable index exists. It never returns an empty retriever.
//
// free_chat does not use the knowledge base and is rejected. category_qa
// needs a category and at least one selected document, each on disk and
// indexed; searches are restricted to those documents. knowledge_chat searches the global
// index, rebuilding it once if it is empty.
func (r *Router) Resolve(ctx context.Context, req ResolveRequest) (*Retriever, error) {
	switch req.Mode {
	case models.ModeCategoryQA:
		return r.resolveCategory(ctx, req.Category, req.SelectedDocs)
	case models.ModeKnowledgeChat:
		return r.resolveGlobal(ctx)
	case models.ModeFreeChat:
		return nil, models.NewError(models.ErrInvalidMode, "free_chat does not search the knowledge base")
	default:
		return nil, models.NewError(models.ErrInvalidMode, fmt.Sprintf("unknown chat mode %q", req.Mode))
	}
}

func (r *Router) resolveCategory(ctx context.Context, category string, docs []string) (*Retriever, error) {
	if strings.TrimSpace(category) == "" {
		return nil, models.NewError(models.ErrCategoryRequired, "category_qa needs a category")
	}
	category, err := NormalizeCategory(category)
	if err != nil {
		return nil, err
	}

	var sources, names []string
	for _, d := range docs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		p, err := r.library.ResolveDocument(category, d)
		if err != nil {
			return nil, err
		}
		sources = append(sources, p)
		names = append(names, d)
	}
	if len(sources) == 0 {
		return nil, models.NewError(models.ErrDocumentsRequired, "category_qa needs at least one selected document").
			WithDetails("category", category)
	}

	if err := r.requireRecords(ctx, category); err != nil {
		return nil, err
	}
	if err := r.requireDocuments(ctx, category, sources, names); err != nil {
		return nil, err
	}

	return r.retriever(models.ModeCategoryQA, scope{key: category, filter: &Filter{Sources: sources}}), nil
}

// ResolveCategories returns one retriever over several category indexes
// with no document filter. Results are merged by score.
func (r *Router) ResolveCategories(ctx context.Context, categories []string) (*Retriever, error) {
	if len(categories) == 0 {
		return nil, models.NewError(models.ErrCategoryRequired, "at least one category is required")
	}

	seen := make(map[string]bool, len(categories))
	scopes := make([]scope, 0, len(categories))
	for _, c := range categories {
		category, err := NormalizeCategory(c)
		if err != nil {
			return nil, err
		}
		if seen[category] {
			continue
		}
		seen[category] = true
		if err := r.requireRecords(ctx, category); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope{key: category})
	}
	return r.retriever(models.ModeCategoryQA, scopes...), nil
}

// requireRecords fails with E_NOT_INDEXED unless key's index has records.
func (r *Router) requireRecords(ctx context.Context, key string) error {
	n, err := r.count(ctx, key)
	if err != nil {
		return err
	}
	if n == 0 {
		return NotIndexedError(key)
	}
	return nil
}

// requireDocuments fails unless every selected document is on disk and
// has records in the category's index.
func (r *Router) requireDocuments(ctx context.Context, category string, sources, names []string) error {
	for i, src := range sources {
		if _, err := os.Stat(src); err != nil {
			return models.NewError(models.ErrFileNotFound, fmt.Sprintf("document %q does not exist in category %q", names[i], category)).
				WithDetails("path", src)
		}
	}

	counts, err := r.store.CountSources(ctx, IndexHandle{Key: category}, sources)
	if err != nil {
		return err
	}
	for i, src := range sources {
		if counts[src] == 0 {
			return DocumentNotIndexedError(category, names[i])
		}
	}
	return nil
}

func (r *Router) count(ctx context.Context, key string) (int, error) {
	exists, err := r.store.Exists(ctx, key)
	if err != nil || !exists {
		return 0, err
	}
	return r.store.Count(ctx, IndexHandle{Key: key})
}

func (r *Router) resolveGlobal(ctx context.Context) (*Retriever, error) {
	n, err := r.count(ctx, GlobalKey)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		r.logger.Info().Msg("global index is empty, rebuilding on demand")

		// Concurrent first queries share one rebuild. It runs detached from
		// the caller that started it so a cancelled first caller does not
		// fail everyone who joined.
		rebuildCtx := context.WithoutCancel(ctx)
		_, err, shared := r.rebuilds.Do(GlobalKey, func() (interface{}, error) {
			return r.rebuilder.RebuildGlobal(rebuildCtx)
		})
		if err != nil {
			return nil, err
		}
		if shared {
			r.logger.Debug().Msg("joined an in-flight global rebuild")
		}

		if n, err = r.count(ctx, GlobalKey); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, models.NewError(models.ErrGlobalUnavailable, "the knowledge base has no indexed documents").
				WithRemedy("upload documents, then rebuild the index")
		}
	}

	return r.retriever(models.ModeKnowledgeChat, scope{key: GlobalKey}), nil
}

func (r *Router) retriever(mode models.ChatMode, scopes ...scope) *Retriever {
	return &Retriever{
		mode:     mode,
		scopes:   scopes,
		store:    r.store,
		embedder: r.embedder,
		metrics:  r.metrics,
	}
}

// Retrieve resolves req and runs one search against it.
func (r *Router) Retrieve(ctx context.Context, req ResolveRequest, query string, k int) ([]ScoredSegment, error) {
	ret, err := r.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return ret.Search(ctx, query, k)
}
