package kb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/pkg/models"
)

// Rebuild scopes.
const (
	RebuildScopeAll    = "all"
	RebuildScopeGlobal = "global"
)

// IndexerOptions wires an Indexer to its collaborators.
type IndexerOptions struct {
	Library  *Library
	Loader   *Loader
	Chunker  *Chunker
	Policies PolicyTable
	Embedder Embedder
	Store    IndexStore

	// Catalog defaults to an in-memory catalog.
	Catalog Catalog
	Metrics *observability.Metrics
}

// Indexer keeps the per-category indexes and the global mirror in step
// with the knowledge root.
//
// One file is indexed at a time per category. A full rebuild holds the
// generation lock exclusively, so no upload interleaves with it.
type Indexer struct {
	library  *Library
	loader   *Loader
	chunker  *Chunker
	policies PolicyTable
	embedder Embedder
	store    IndexStore
	catalog  Catalog
	metrics  *observability.Metrics
	logger   zerolog.Logger

	generation    sync.RWMutex
	categoryLocks *keyLocks
	globalMu      sync.Mutex
}

// NewIndexer creates an indexer.
func NewIndexer(opts IndexerOptions) *Indexer {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = NewMemoryCatalog()
	}
	chunker := opts.Chunker
	if chunker == nil {
		chunker = NewChunker()
	}
	return &Indexer{
		library:       opts.Library,
		loader:        opts.Loader,
		chunker:       chunker,
		policies:      opts.Policies,
		embedder:      opts.Embedder,
		store:         opts.Store,
		catalog:       catalog,
		metrics:       opts.Metrics,
		logger:        observability.Logger("kb.indexer"),
		categoryLocks: newKeyLocks(),
	}
}

// Library returns the file layer the indexer walks.
func (ix *Indexer) Library() *Library { return ix.library }

// Store returns the vector index store.
func (ix *Indexer) Store() IndexStore { return ix.store }

// Embedder returns the embedding provider.
func (ix *Indexer) Embedder() Embedder { return ix.embedder }

// checkEmbedder fails fast when the embedding backend cannot serve.
func (ix *Indexer) checkEmbedder(ctx context.Context) error {
	status := ix.embedder.HealthCheck(ctx)
	observability.LogEvent(ix.logger, observability.EventHealthCheck, map[string]interface{}{
		"model":         status.Model,
		"available":     status.Available,
		"model_present": status.ModelPresent,
		"latency_ms":    status.Latency.Milliseconds(),
	})
	if !status.Ready() {
		return EmbeddingUnavailableError(ix.embedder.Model(), errors.New(status.Reason))
	}
	return nil
}

// IndexOne loads, chunks and embeds one file, inserts it into its
// category index and then mirrors it into the global index. A failed
// mirror is logged and reported in the stats but does not fail the call.
// An empty category is derived from the file's location.
func (ix *Indexer) IndexOne(ctx context.Context, path, category string) (*IndexStats, error) {
	ref, err := ix.fileRef(path, category)
	if err != nil {
		return nil, err
	}
	if err := ix.checkEmbedder(ctx); err != nil {
		return nil, err
	}

	ix.generation.RLock()
	defer ix.generation.RUnlock()

	stats, err := ix.indexFile(ctx, ref)
	if err != nil {
		ix.recordFailure(ctx, ref, err)
		return nil, err
	}
	return stats, nil
}

// IndexBatch indexes several files into one category. A failing file is
// recorded and skipped; the rest of the batch continues.
func (ix *Indexer) IndexBatch(ctx context.Context, category string, paths []string) (*BatchReport, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, models.NewError(models.ErrDocumentsRequired, "no files to index")
	}
	if err := ix.checkEmbedder(ctx); err != nil {
		return nil, err
	}

	ix.generation.RLock()
	defer ix.generation.RUnlock()

	report := &BatchReport{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ref, err := ix.fileRef(p, category)
		if err != nil {
			ref = FileRef{Path: p, Category: category}
			report.Failures = append(report.Failures, failureFrom(ref, err))
			continue
		}

		stats, err := ix.indexFile(ctx, ref)
		if err != nil {
			ix.recordFailure(ctx, ref, err)
			report.Failures = append(report.Failures, failureFrom(ref, err))
			continue
		}
		report.Indexed = append(report.Indexed, *stats)
	}
	return report, nil
}

func (ix *Indexer) fileRef(path, category string) (FileRef, error) {
	ref, err := ix.library.Ref(path)
	if err != nil {
		return FileRef{}, err
	}
	if category == "" {
		category = ref.Category
	}
	if err := ValidateCategory(category); err != nil {
		return FileRef{}, err
	}
	ref.Category = category
	return ref, nil
}

// prepare turns a file into embedded records. Nothing is written.
func (ix *Indexer) prepare(ctx context.Context, ref FileRef) ([]Record, ChunkPolicy, int, error) {
	policy := ix.policies.Select(ref.Path, ref.Size)

	segments, err := ix.loader.Load(ctx, ref.Path)
	if err != nil {
		return nil, policy, 0, err
	}

	chunks, err := ix.chunker.Chunk(segments, policy.Size, policy.Overlap)
	if err != nil {
		return nil, policy, 0, models.Wrap(models.ErrIndexFailed, "failed to chunk document", err)
	}

	records := make([]Record, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		meta := copyMetadata(c.Metadata)
		meta[MetaCategory] = ref.Category
		meta[MetaChunkIndex] = strconv.Itoa(len(records))
		records = append(records, Record{
			ID:       RecordID(ref.Path, len(records), text),
			Text:     text,
			Metadata: meta,
		})
	}
	if len(records) == 0 {
		return nil, policy, 0, LoadError(ref.Path, errors.New("no text after chunking"))
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, policy, 0, err
	}
	for i := range records {
		records[i].Vector = vectors[i]
	}

	return records, policy, len(segments), nil
}

// indexFile runs one file through the pipeline under its category lock.
// Callers hold the generation lock.
func (ix *Indexer) indexFile(ctx context.Context, ref FileRef) (*IndexStats, error) {
	lock := ix.categoryLocks.get(ref.Category)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	logger := observability.WithCategory(ix.logger, ref.Category)

	records, policy, segments, err := ix.prepare(ctx, ref)
	if err != nil {
		return nil, err
	}

	if err := ix.insert(ctx, ref.Category, records); err != nil {
		return nil, err
	}
	ix.metrics.RecordsInserted("category", len(records))

	stats := &IndexStats{
		Path:           ref.Path,
		Category:       ref.Category,
		Segments:       segments,
		Chunks:         len(records),
		Policy:         policy.Name,
		GlobalMirrored: true,
	}

	if err := ix.insert(ctx, GlobalKey, records); err != nil {
		stats.GlobalMirrored = false
		stats.MirrorError = err.Error()
		ix.metrics.MirrorFailed()
		observability.LogWarnEvent(logger, observability.EventGlobalMirrorFailed, err, map[string]interface{}{
			"path": ref.Path,
		})
	} else {
		ix.metrics.RecordsInserted("global", len(records))
	}

	stats.Duration = time.Since(start)

	now := time.Now()
	entry := models.KBFile{
		Path:           ref.Path,
		Category:       ref.Category,
		Name:           ref.Name,
		Size:           ref.Size,
		ModifiedAt:     ref.ModTime,
		IndexedAt:      &now,
		ChunkCount:     len(records),
		Status:         models.FileStatusIndexed,
		GlobalMirrored: stats.GlobalMirrored,
		Error:          stats.MirrorError,
	}
	if err := ix.catalog.UpsertFile(ctx, entry); err != nil {
		logger.Warn().Err(err).Str("path", ref.Path).Msg("failed to record indexed file")
	}

	ix.metrics.FileIndexed(ref.Category)
	observability.LogEvent(logger, observability.EventFileIndexed, map[string]interface{}{
		"path":            ref.Path,
		"chunks":          stats.Chunks,
		"policy":          stats.Policy,
		"global_mirrored": stats.GlobalMirrored,
		"duration_ms":     stats.Duration.Milliseconds(),
	})

	return stats, nil
}

func (ix *Indexer) insert(ctx context.Context, key string, records []Record) error {
	h, err := ix.store.Open(ctx, key)
	if err != nil {
		return err
	}
	if err := ix.store.Insert(ctx, h, records); err != nil {
		if _, ok := models.AsKBError(err); ok {
			return err
		}
		return models.Wrap(models.ErrIndexFailed, "failed to insert records", err).WithDetails("index", key)
	}
	return nil
}

func (ix *Indexer) recordFailure(ctx context.Context, ref FileRef, err error) {
	failure := failureFrom(ref, err)
	ix.metrics.FileSkipped(failure.Code)
	observability.LogWarnEvent(ix.logger, observability.EventFileSkipped, err, map[string]interface{}{
		"path":     ref.Path,
		"category": ref.Category,
		"code":     failure.Code,
	})

	if ref.Path == "" || ctx.Err() != nil {
		return
	}
	entry := models.KBFile{
		Path:       ref.Path,
		Category:   ref.Category,
		Name:       ref.Name,
		Size:       ref.Size,
		ModifiedAt: ref.ModTime,
		Status:     models.FileStatusFailed,
		Error:      failure.Reason,
	}
	if cerr := ix.catalog.UpsertFile(ctx, entry); cerr != nil {
		ix.logger.Warn().Err(cerr).Str("path", ref.Path).Msg("failed to record file failure")
	}
}

// RebuildAll deletes every index and re-indexes every document under the
// knowledge root, category by category. Failing files are skipped and
// reported; the walk always completes unless ctx is cancelled.
func (ix *Indexer) RebuildAll(ctx context.Context) (*RebuildReport, error) {
	if err := ix.checkEmbedder(ctx); err != nil {
		return nil, err
	}

	ix.generation.Lock()
	defer ix.generation.Unlock()

	report := ix.startRebuild(RebuildScopeAll)

	keys, err := ix.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := ix.store.DeleteIndex(ctx, key); err != nil {
			return nil, err
		}
	}
	if err := ix.catalog.ResetFiles(ctx); err != nil {
		ix.logger.Warn().Err(err).Msg("failed to reset catalog")
	}

	files, err := ix.library.Walk()
	if err != nil {
		return nil, err
	}

	for _, ref := range files {
		if err := ctx.Err(); err != nil {
			return ix.finishRebuild(ctx, report), err
		}

		stats, err := ix.indexFile(ctx, ref)
		if err != nil {
			ix.recordFailure(ctx, ref, err)
			report.Skipped++
			report.Failures = append(report.Failures, failureFrom(ref, err))
			continue
		}
		report.Indexed++
		report.Records += stats.Chunks
		if !stats.GlobalMirrored {
			report.MirrorFails++
		}
	}

	if report.Categories, err = ix.library.Categories(); err != nil {
		ix.logger.Warn().Err(err).Msg("failed to list categories")
	}
	return ix.finishRebuild(ctx, report), nil
}

// RebuildGlobal re-derives only the global index from every document.
// Category indexes are left untouched. Concurrent callers are serialized.
func (ix *Indexer) RebuildGlobal(ctx context.Context) (*RebuildReport, error) {
	if err := ix.checkEmbedder(ctx); err != nil {
		return nil, err
	}

	ix.generation.RLock()
	defer ix.generation.RUnlock()
	ix.globalMu.Lock()
	defer ix.globalMu.Unlock()

	report := ix.startRebuild(RebuildScopeGlobal)

	if err := ix.store.DeleteIndex(ctx, GlobalKey); err != nil {
		return nil, err
	}

	files, err := ix.library.Walk()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, ref := range files {
		if err := ctx.Err(); err != nil {
			return ix.finishRebuild(ctx, report), err
		}
		if !seen[ref.Category] {
			seen[ref.Category] = true
			report.Categories = append(report.Categories, ref.Category)
		}

		n, err := ix.mirrorFile(ctx, ref)
		if err != nil {
			report.Skipped++
			report.Failures = append(report.Failures, failureFrom(ref, err))
			ix.metrics.FileSkipped(failureFrom(ref, err).Code)
			observability.LogWarnEvent(ix.logger, observability.EventFileSkipped, err, map[string]interface{}{
				"path":  ref.Path,
				"scope": RebuildScopeGlobal,
			})
			continue
		}
		report.Indexed++
		report.Records += n
	}

	return ix.finishRebuild(ctx, report), nil
}

// mirrorFile indexes one file into the global index only.
func (ix *Indexer) mirrorFile(ctx context.Context, ref FileRef) (int, error) {
	lock := ix.categoryLocks.get(ref.Category)
	lock.Lock()
	defer lock.Unlock()

	records, _, _, err := ix.prepare(ctx, ref)
	if err != nil {
		return 0, err
	}
	if err := ix.insert(ctx, GlobalKey, records); err != nil {
		return 0, err
	}
	ix.metrics.RecordsInserted("global", len(records))

	if err := ix.catalog.MarkMirrored(ctx, ref.Path); err != nil {
		ix.logger.Warn().Err(err).Str("path", ref.Path).Msg("failed to record mirror")
	}
	return len(records), nil
}

func (ix *Indexer) startRebuild(scope string) *RebuildReport {
	report := &RebuildReport{
		RebuildID: uuid.NewString(),
		Scope:     scope,
		StartedAt: time.Now(),
	}
	observability.LogEvent(ix.logger, observability.EventRebuildStarted, map[string]interface{}{
		"rebuild_id": report.RebuildID,
		"scope":      scope,
		"location":   ix.store.Location(),
	})
	return report
}

func (ix *Indexer) finishRebuild(ctx context.Context, report *RebuildReport) *RebuildReport {
	report.FinishedAt = time.Now()
	ix.metrics.ObserveRebuild(report.Duration())

	record := models.RebuildRecord{
		ID:         report.RebuildID,
		Scope:      report.Scope,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Indexed:    report.Indexed,
		Skipped:    report.Skipped,
		Records:    report.Records,
		Failures:   len(report.Failures),
	}
	if err := ix.catalog.RecordRebuild(context.WithoutCancel(ctx), record); err != nil {
		ix.logger.Warn().Err(err).Str("rebuild_id", report.RebuildID).Msg("failed to record rebuild")
	}

	observability.LogEvent(ix.logger, observability.EventRebuildCompleted, map[string]interface{}{
		"rebuild_id":      report.RebuildID,
		"scope":           report.Scope,
		"indexed":         report.Indexed,
		"skipped":         report.Skipped,
		"records":         report.Records,
		"mirror_failures": report.MirrorFails,
		"duration_ms":     report.Duration().Milliseconds(),
	})
	return report
}

// DeleteCategory removes a category's documents, its index and the
// indexes of nested categories. Vectors already mirrored into the global
// index remain until the next rebuild.
func (ix *Indexer) DeleteCategory(ctx context.Context, category string) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}

	ix.generation.RLock()
	defer ix.generation.RUnlock()

	lock := ix.categoryLocks.get(category)
	lock.Lock()
	defer lock.Unlock()

	if err := ix.library.DeleteCategory(category); err != nil {
		return err
	}

	keys, err := ix.store.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key == category || strings.HasPrefix(key, category+"/") {
			if err := ix.store.DeleteIndex(ctx, key); err != nil {
				return err
			}
		}
	}

	if err := ix.catalog.DeleteCategory(ctx, category); err != nil {
		ix.logger.Warn().Err(err).Str("category", category).Msg("failed to update catalog")
	}
	return nil
}

// Counts returns the record count of every existing index.
func (ix *Indexer) Counts(ctx context.Context) (map[string]int, error) {
	keys, err := ix.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(keys))
	for _, key := range keys {
		n, err := ix.store.Count(ctx, IndexHandle{Key: key})
		if err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, nil
}

// Categories summarizes every category on disk with its file and record
// counts.
func (ix *Indexer) Categories(ctx context.Context) ([]models.CategoryInfo, error) {
	names, err := ix.library.Categories()
	if err != nil {
		return nil, err
	}
	counts, err := ix.Counts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.CategoryInfo, 0, len(names))
	for _, name := range names {
		files, err := ix.library.ListFiles(name)
		if err != nil {
			return nil, err
		}
		out = append(out, models.CategoryInfo{
			Name:        name,
			FileCount:   len(files),
			RecordCount: counts[name],
		})
	}
	return out, nil
}

// supersededRecords returns indexed files whose category index holds more
// records than their last indexing produced. Re-indexing a changed file
// adds its new chunks without retracting the old ones.
func (ix *Indexer) supersededRecords(ctx context.Context, entries []models.KBFile, onDisk map[string]bool) ([]string, error) {
	byCategory := make(map[string][]models.KBFile)
	for _, e := range entries {
		if e.Status == models.FileStatusIndexed && onDisk[e.Path] {
			byCategory[e.Category] = append(byCategory[e.Category], e)
		}
	}

	out := []string{}
	for category, files := range byCategory {
		exists, err := ix.store.Exists(ctx, category)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		sources := make([]string, len(files))
		for i, f := range files {
			sources[i] = f.Path
		}
		counts, err := ix.store.CountSources(ctx, IndexHandle{Key: category}, sources)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if counts[f.Path] > f.ChunkCount {
				out = append(out, f.Path)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Drift compares the knowledge root against the catalog and the indexes.
// Nothing is corrected; a rebuild is the correction.
func (ix *Indexer) Drift(ctx context.Context) (*DriftReport, error) {
	files, err := ix.library.Walk()
	if err != nil {
		return nil, err
	}
	entries, err := ix.catalog.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	byPath := make(map[string]models.KBFile, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	report := &DriftReport{
		Unindexed:     []string{},
		Stale:         []string{},
		Orphaned:      []string{},
		MirrorMissing: []string{},
		Superseded:    []string{},
	}

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.Path] = true
		e, ok := byPath[f.Path]
		switch {
		case !ok || e.Status != models.FileStatusIndexed:
			report.Unindexed = append(report.Unindexed, f.Path)
		case e.IndexedAt != nil && f.ModTime.After(*e.IndexedAt):
			report.Stale = append(report.Stale, f.Path)
		}
		if ok && e.Status == models.FileStatusIndexed && !e.GlobalMirrored {
			report.MirrorMissing = append(report.MirrorMissing, f.Path)
		}
	}
	for _, e := range entries {
		if e.Status == models.FileStatusIndexed && !onDisk[e.Path] {
			report.Orphaned = append(report.Orphaned, e.Path)
		}
	}
	sort.Strings(report.Orphaned)

	if report.Superseded, err = ix.supersededRecords(ctx, entries, onDisk); err != nil {
		return nil, err
	}

	counts, err := ix.Counts(ctx)
	if err != nil {
		return nil, err
	}
	categoryRecords := 0
	for key, n := range counts {
		if key != GlobalKey {
			categoryRecords += n
		}
	}
	report.EmptyGlobal = categoryRecords > 0 && counts[GlobalKey] == 0

	return report, nil
}
