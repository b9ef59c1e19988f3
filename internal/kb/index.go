package kb

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/simpleflo/kbchat/pkg/models"
)

// IndexHandle identifies an opened index.
type IndexHandle struct {
	Key string
}

// Filter restricts search to records whose source is in Sources.
// A nil filter or an empty list means no restriction.
type Filter struct {
	Sources []string
}

// IndexStore manages one persistent vector index per key: one per category
// path plus GlobalKey for the mirror.
type IndexStore interface {
	// Open creates the index structures for key if absent. Idempotent.
	Open(ctx context.Context, key string) (IndexHandle, error)

	// Insert appends records. The batch is durable when Insert returns and
	// becomes visible to readers all at once.
	Insert(ctx context.Context, h IndexHandle, records []Record) error

	// Search returns up to k records nearest to vector, best first.
	Search(ctx context.Context, h IndexHandle, vector []float32, k int, filter *Filter) ([]ScoredSegment, error)

	// Exists reports whether an index for key has been created.
	Exists(ctx context.Context, key string) (bool, error)

	// Count returns the number of records in the index.
	Count(ctx context.Context, h IndexHandle) (int, error)

	// CountSources returns the number of records per source path. Every
	// requested source is present in the result, zero when it has none.
	CountSources(ctx context.Context, h IndexHandle, sources []string) (map[string]int, error)

	// DeleteIndex irreversibly removes every record under key.
	DeleteIndex(ctx context.Context, key string) error

	// Keys lists the keys of every index that exists.
	Keys(ctx context.Context) ([]string, error)

	// Location describes where indexes live; Degraded reports a fallback.
	Location() string
	Degraded() bool

	Close() error
}

// ValidateKey checks an index key. Category keys are clean, relative,
// slash-separated paths whose segments do not start with a dot.
func ValidateKey(key string) error {
	if key == GlobalKey {
		return nil
	}
	return ValidateCategory(key)
}

// ValidateCategory checks a category name.
func ValidateCategory(category string) error {
	invalid := func(reason string) error {
		return models.NewError(models.ErrInvalidCategory, fmt.Sprintf("invalid category %q: %s", category, reason))
	}

	if strings.TrimSpace(category) == "" {
		return models.NewError(models.ErrCategoryRequired, "category is required")
	}
	if category == GlobalKey {
		return invalid("reserved name")
	}
	if strings.Contains(category, "\\") {
		return invalid("use forward slashes")
	}
	if strings.HasPrefix(category, "/") {
		return invalid("must be relative")
	}
	if path.Clean(category) != category {
		return invalid("must be a clean path")
	}
	for _, seg := range strings.Split(category, "/") {
		if seg == ".." || strings.HasPrefix(seg, ".") {
			return invalid("segments must not start with a dot")
		}
	}
	return nil
}

// NormalizeCategory trims, converts separators and cleans a user-supplied
// category name, then validates it.
func NormalizeCategory(category string) (string, error) {
	c := strings.TrimSpace(strings.ReplaceAll(category, "\\", "/"))
	c = strings.Trim(c, "/")
	if c != "" {
		c = path.Clean(c)
	}
	if err := ValidateCategory(c); err != nil {
		return "", err
	}
	return c, nil
}

// recordNamespace scopes record IDs.
var recordNamespace = uuid.MustParse("0f6b7a3e-2c1d-5e8f-9a4b-7c6d5e4f3a21")

// RecordID derives a stable ID from a chunk's source, position and text,
// so re-indexing unchanged content replaces rather than duplicates it.
func RecordID(source string, index int, text string) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s\x00%d\x00%s", source, index, text))).String()
}

// keyLocks hands out one RWMutex per index key. Writers hold the write
// lock across write and persist; searches hold the read lock, so a batch
// is either fully visible or not at all.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.RWMutex)}
}

func (k *keyLocks) get(key string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[key] = l
	}
	return l
}

// mergeResults combines per-scope results into one list of at most k,
// best score first. Ties keep scope order.
func mergeResults(k int, lists ...[]ScoredSegment) []ScoredSegment {
	var all []ScoredSegment
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Score > all[j].Score
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}
