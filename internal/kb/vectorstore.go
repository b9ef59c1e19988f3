package kb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/pkg/models"
)

const (
	// chromemDirName holds one key's database inside VECTOR_ROOT/<key>.
	// The dot prefix keeps it apart from nested category directories.
	chromemDirName = ".chromem"

	// chromemCollection is the single collection inside each key's database.
	chromemCollection = "kb"

	// dimensionFileName records the key's vector length next to the
	// database files, which chromem ignores.
	dimensionFileName = "dimension"

	// FallbackDirName is created under the OS temp dir when the vector root
	// is not writable.
	FallbackDirName = "kbchat-vectors"
)

// ChromemStore keeps one persistent chromem database per index key under
// VECTOR_ROOT/<key>. Documents are written to disk as they are added.
type ChromemStore struct {
	compress bool
	locks    *keyLocks
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu          sync.Mutex
	root        string
	primaryRoot string
	degraded    bool
	collections map[string]*chromem.Collection
	dbs         map[string]*chromem.DB
	dimensions  map[string]int
}

// NewChromemStore creates the store. If root cannot be created or written,
// the store falls back to a directory under the OS temp dir for the rest
// of the process lifetime.
func NewChromemStore(root string, compress bool, metrics *observability.Metrics) (*ChromemStore, error) {
	s := &ChromemStore{
		compress:    compress,
		locks:       newKeyLocks(),
		metrics:     metrics,
		logger:      observability.Logger("kb.vectorstore"),
		root:        root,
		primaryRoot: root,
		collections: make(map[string]*chromem.Collection),
		dbs:         make(map[string]*chromem.DB),
		dimensions:  make(map[string]int),
	}

	if err := ensureWritableDir(root); err != nil {
		if fbErr := s.fallback(err); fbErr != nil {
			return nil, fbErr
		}
	}
	return s, nil
}

// ensureWritableDir creates dir and proves a file can be written in it.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// fallback switches to the temp location. Callers hold s.mu or are the
// constructor.
func (s *ChromemStore) fallback(cause error) error {
	if s.degraded {
		return models.Wrap(models.ErrStorageUnavailable, "vector storage is not writable", cause).
			WithDetails("location", s.root)
	}

	alt := filepath.Join(os.TempDir(), FallbackDirName)
	if err := ensureWritableDir(alt); err != nil {
		return models.Wrap(models.ErrStorageUnavailable, "vector storage and temporary fallback are not writable", err).
			WithDetails("location", s.primaryRoot).
			WithDetails("fallback", alt)
	}

	s.root = alt
	s.degraded = true
	s.metrics.SetStoreDegraded(true)
	observability.LogWarnEvent(s.logger, observability.EventStoreDegraded, cause, map[string]interface{}{
		"configured": s.primaryRoot,
		"fallback":   alt,
	})
	return nil
}

// Location returns the directory indexes are currently written to.
func (s *ChromemStore) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Degraded reports whether the store fell back to the temp location.
func (s *ChromemStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *ChromemStore) keyDir(root, key string) string {
	return filepath.Join(root, filepath.FromSlash(key), chromemDirName)
}

// collection returns the open collection for key, opening it if needed.
// Callers hold the key lock.
func (s *ChromemStore) collection(key string) (*chromem.Collection, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[key]; ok {
		return col, nil
	}

	db, err := chromem.NewPersistentDB(s.keyDir(s.root, key), s.compress)
	if err != nil && isWriteFailure(err) && !s.degraded {
		if fbErr := s.fallback(err); fbErr != nil {
			return nil, fbErr
		}
		db, err = chromem.NewPersistentDB(s.keyDir(s.root, key), s.compress)
	}
	if err != nil {
		return nil, models.Wrap(models.ErrStorageUnavailable, "failed to open index", err).
			WithDetails("index", key)
	}

	col, err := db.GetOrCreateCollection(chromemCollection, nil, precomputedOnly)
	if err != nil {
		return nil, models.Wrap(models.ErrStorageUnavailable, "failed to open collection", err).
			WithDetails("index", key)
	}

	s.dbs[key] = db
	s.collections[key] = col
	return col, nil
}

// precomputedOnly is the collection's embedding function. Records always
// arrive with vectors, so it is never expected to run.
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("vector store received a record without an embedding")
}

func isWriteFailure(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrExist) ||
		strings.Contains(err.Error(), "not a directory") ||
		strings.Contains(err.Error(), "read-only file system")
}

// Open creates the index for key if absent.
func (s *ChromemStore) Open(ctx context.Context, key string) (IndexHandle, error) {
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.collection(key); err != nil {
		return IndexHandle{}, err
	}
	return IndexHandle{Key: key}, nil
}

// Insert appends records as one batch. On failure the records already
// written are removed again.
func (s *ChromemStore) Insert(ctx context.Context, h IndexHandle, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	lock := s.locks.get(h.Key)
	lock.Lock()
	defer lock.Unlock()

	col, err := s.collection(h.Key)
	if err != nil {
		return err
	}
	if err := s.checkDimension(ctx, h.Key, col, len(records[0].Vector)); err != nil {
		return err
	}

	docs := make([]chromem.Document, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		if len(r.Vector) != len(records[0].Vector) {
			return dimensionError(h.Key, len(records[0].Vector), len(r.Vector))
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Metadata:  r.Metadata,
			Embedding: r.Vector,
		}
		ids[i] = r.ID
	}

	start := time.Now()
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		if delErr := col.Delete(context.WithoutCancel(ctx), nil, nil, ids...); delErr != nil {
			s.logger.Error().Err(delErr).Str("index", h.Key).Msg("failed to roll back partial insert")
		}
		return fmt.Errorf("insert into %s: %w", h.Key, err)
	}

	s.rememberDimension(h.Key, len(records[0].Vector))

	s.logger.Debug().
		Str("index", h.Key).
		Int("count", len(records)).
		Dur("duration", time.Since(start)).
		Msg("inserted records")
	return nil
}

// checkDimension rejects vectors whose length differs from what the index
// already holds, which happens when the embedding model changes.
func (s *ChromemStore) checkDimension(ctx context.Context, key string, col *chromem.Collection, dim int) error {
	known := s.dimension(key)
	if known == 0 {
		if col.Count() == 0 {
			return nil
		}
		sample, err := col.QueryEmbedding(ctx, unitVector(dim), 1, nil, nil)
		if err != nil {
			return s.queryError(key, err)
		}
		if len(sample) == 0 {
			return nil
		}
		known = len(sample[0].Embedding)
		s.mu.Lock()
		s.dimensions[key] = known
		s.mu.Unlock()
	}
	if known != dim {
		return dimensionError(key, known, dim)
	}
	return nil
}

// dimension returns the vector length stored under key, or 0 when unknown.
func (s *ChromemStore) dimension(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dimensions[key]; ok {
		return d
	}
	raw, err := os.ReadFile(filepath.Join(s.keyDir(s.root, key), dimensionFileName))
	if err != nil {
		return 0
	}
	d, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || d <= 0 {
		return 0
	}
	s.dimensions[key] = d
	return d
}

// rememberDimension caches dim and persists it the first time it is seen.
func (s *ChromemStore) rememberDimension(key string, dim int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := filepath.Join(s.keyDir(s.root, key), dimensionFileName)
	if _, ok := s.dimensions[key]; ok {
		if _, err := os.Stat(file); err == nil {
			return
		}
	}
	s.dimensions[key] = dim
	if err := os.WriteFile(file, []byte(strconv.Itoa(dim)), 0644); err != nil {
		s.logger.Warn().Err(err).Str("index", key).Msg("failed to persist index dimension")
	}
}

func dimensionError(key string, want, got int) *models.KBError {
	return models.NewError(models.ErrDimensionMismatch,
		fmt.Sprintf("index %s holds %d-dimensional vectors, got %d", key, want, got)).
		WithDetails("index", key)
}

func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	if dim > 0 {
		v[0] = 1
	}
	return v
}

// Search returns up to k nearest records. With a source filter each
// allowed source is queried separately and the results merged by score.
func (s *ChromemStore) Search(ctx context.Context, h IndexHandle, vector []float32, k int, filter *Filter) ([]ScoredSegment, error) {
	if k <= 0 {
		return nil, nil
	}

	lock := s.locks.get(h.Key)
	lock.RLock()
	defer lock.RUnlock()

	col, err := s.collection(h.Key)
	if err != nil {
		return nil, err
	}

	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	limit := min(k, n)

	if filter == nil || len(filter.Sources) == 0 {
		res, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
		if err != nil {
			return nil, s.queryError(h.Key, err)
		}
		return toScored(h.Key, res), nil
	}

	lists := make([][]ScoredSegment, 0, len(filter.Sources))
	for _, src := range dedupe(filter.Sources) {
		res, err := col.QueryEmbedding(ctx, vector, limit, map[string]string{MetaSource: src}, nil)
		if err != nil {
			return nil, s.queryError(h.Key, err)
		}
		lists = append(lists, toScored(h.Key, res))
	}
	return mergeResults(k, lists...), nil
}

func (s *ChromemStore) queryError(key string, err error) error {
	if strings.Contains(err.Error(), "same length") {
		return models.Wrap(models.ErrDimensionMismatch, "query vector does not match index dimension", err).
			WithDetails("index", key)
	}
	return fmt.Errorf("search %s: %w", key, err)
}

func toScored(key string, res []chromem.Result) []ScoredSegment {
	out := make([]ScoredSegment, len(res))
	for i, r := range res {
		out[i] = ScoredSegment{
			Text:     r.Content,
			Metadata: copyMetadata(r.Metadata),
			Score:    r.Similarity,
			Index:    key,
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Exists reports whether key has a database, without creating one.
func (s *ChromemStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	_, open := s.collections[key]
	root := s.root
	s.mu.Unlock()
	if open {
		return true, nil
	}

	_, err := os.Stat(s.keyDir(root, key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, models.Wrap(models.ErrStorageUnavailable, "failed to inspect index", err).
		WithDetails("index", key)
}

// Count returns the number of records under the handle's key.
func (s *ChromemStore) Count(ctx context.Context, h IndexHandle) (int, error) {
	lock := s.locks.get(h.Key)
	lock.RLock()
	defer lock.RUnlock()

	col, err := s.collection(h.Key)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// CountSources counts each source's records with a metadata filter. The
// query vector only has to match the index dimension; when that is not
// known a source with records counts as one.
func (s *ChromemStore) CountSources(ctx context.Context, h IndexHandle, sources []string) (map[string]int, error) {
	lock := s.locks.get(h.Key)
	lock.RLock()
	defer lock.RUnlock()

	col, err := s.collection(h.Key)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(sources))
	n := col.Count()
	dim := s.dimension(h.Key)
	for _, src := range dedupe(sources) {
		out[src] = 0
		if n == 0 {
			continue
		}
		res, err := col.QueryEmbedding(ctx, unitVector(max(dim, 1)), n, map[string]string{MetaSource: src}, nil)
		if err != nil {
			if dim == 0 && strings.Contains(err.Error(), "same length") {
				out[src] = 1
				continue
			}
			return nil, s.queryError(h.Key, err)
		}
		out[src] = len(res)
	}
	return out, nil
}

// DeleteIndex removes the key's database and any directories left empty.
func (s *ChromemStore) DeleteIndex(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	db := s.dbs[key]
	root := s.root
	delete(s.dbs, key)
	delete(s.collections, key)
	delete(s.dimensions, key)
	s.mu.Unlock()

	if db != nil {
		if err := db.DeleteCollection(chromemCollection); err != nil {
			return fmt.Errorf("delete index %s: %w", key, err)
		}
	}

	dir := s.keyDir(root, key)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete index %s: %w", key, err)
	}
	pruneEmptyDirs(filepath.Dir(dir), root)

	observability.LogEvent(s.logger, observability.EventIndexDeleted, map[string]interface{}{
		"index": key,
	})
	return nil
}

// pruneEmptyDirs removes dir and its parents while they are empty,
// stopping at root.
func pruneEmptyDirs(dir, root string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// Keys lists every key that has a database on disk or open in memory.
func (s *ChromemStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	root := s.root
	seen := make(map[string]bool, len(s.collections))
	for k := range s.collections {
		seen[k] = true
	}
	s.mu.Unlock()

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() || d.Name() != chromemDirName {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err == nil && rel != "." {
			seen[filepath.ToSlash(rel)] = true
		}
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the store. Records are already on disk.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*chromem.Collection)
	s.dbs = make(map[string]*chromem.DB)
	return nil
}

var _ IndexStore = (*ChromemStore)(nil)
