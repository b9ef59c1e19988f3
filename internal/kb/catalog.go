package kb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/simpleflo/kbchat/pkg/models"
)

// Catalog records the outcome of indexing each file and the history of
// rebuilds. It backs drift detection.
type Catalog interface {
	UpsertFile(ctx context.Context, f models.KBFile) error
	MarkMirrored(ctx context.Context, path string) error
	ListFiles(ctx context.Context) ([]models.KBFile, error)
	DeleteCategory(ctx context.Context, category string) error
	ResetFiles(ctx context.Context) error
	RecordRebuild(ctx context.Context, r models.RebuildRecord) error
}

// MemoryCatalog is a Catalog that lives only as long as the process.
type MemoryCatalog struct {
	mu       sync.Mutex
	files    map[string]models.KBFile
	rebuilds []models.RebuildRecord
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{files: make(map[string]models.KBFile)}
}

func (c *MemoryCatalog) UpsertFile(_ context.Context, f models.KBFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[f.Path] = f
	return nil
}

func (c *MemoryCatalog) MarkMirrored(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[path]; ok {
		f.GlobalMirrored = true
		f.Error = ""
		c.files[path] = f
	}
	return nil
}

func (c *MemoryCatalog) ListFiles(_ context.Context) ([]models.KBFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.KBFile, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (c *MemoryCatalog) DeleteCategory(_ context.Context, category string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, f := range c.files {
		if f.Category == category || strings.HasPrefix(f.Category, category+"/") {
			delete(c.files, p)
		}
	}
	return nil
}

func (c *MemoryCatalog) ResetFiles(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]models.KBFile)
	return nil
}

func (c *MemoryCatalog) RecordRebuild(_ context.Context, r models.RebuildRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuilds = append(c.rebuilds, r)
	return nil
}

// Rebuilds returns the recorded rebuilds, oldest first.
func (c *MemoryCatalog) Rebuilds() []models.RebuildRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RebuildRecord(nil), c.rebuilds...)
}
