// Package kb provides the knowledge base indexing and retrieval pipeline:
// document loading, chunking, embedding, per-category vector indexes with
// a global mirror, and chat-mode retrieval routing.
package kb

import (
	"time"
)

// GlobalKey is the index key of the mirror index spanning every category.
const GlobalKey = "__global__"

// Metadata keys carried on every segment and vector record.
const (
	MetaSource       = "source"        // absolute path of the document
	MetaRelativePath = "relative_path" // slash path under the knowledge root
	MetaCategory     = "category"
	MetaFileName     = "file_name"
	MetaPage         = "page"
	MetaTitle        = "title"
	MetaChunkIndex   = "chunk_index"
)

// Segment is a slice of extracted document text with its metadata.
// Loader output is one segment per page or per document; chunker output
// carries the rune offsets of the slice within its parent segment.
type Segment struct {
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Index     int               `json:"index"`
	StartChar int               `json:"start_char"`
	EndChar   int               `json:"end_char"`
}

// Source returns the absolute source path of the segment.
func (s Segment) Source() string {
	return s.Metadata[MetaSource]
}

// Record is one embedded segment stored in exactly one index.
type Record struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Vector   []float32         `json:"-"`
	Metadata map[string]string `json:"metadata"`
}

// ScoredSegment is a search result.
type ScoredSegment struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Score    float32           `json:"score"`

	// Index is the key of the index the segment came from.
	Index string `json:"index"`
}

// Source returns the absolute source path of the result.
func (s ScoredSegment) Source() string {
	return s.Metadata[MetaSource]
}

// IndexStats is the outcome of indexing one file.
type IndexStats struct {
	Path     string        `json:"path"`
	Category string        `json:"category"`
	Segments int           `json:"segments"`
	Chunks   int           `json:"chunks"`
	Policy   string        `json:"policy"`
	Duration time.Duration `json:"duration"`

	// GlobalMirrored is false when the category insert succeeded but
	// the mirror insert into the global index did not.
	GlobalMirrored bool   `json:"global_mirrored"`
	MirrorError    string `json:"mirror_error,omitempty"`
}

// FileFailure records one file skipped by a batch or rebuild.
type FileFailure struct {
	Path     string `json:"path"`
	Category string `json:"category"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

// BatchReport is the outcome of indexing several files.
type BatchReport struct {
	Indexed  []IndexStats  `json:"indexed"`
	Failures []FileFailure `json:"failures,omitempty"`
}

// RebuildReport is the outcome of a full or global-only rebuild.
type RebuildReport struct {
	RebuildID   string        `json:"rebuild_id"`
	Scope       string        `json:"scope"` // "all" or "global"
	Indexed     int           `json:"indexed"`
	Skipped     int           `json:"skipped"`
	Records     int           `json:"records"`
	Categories  []string      `json:"categories"`
	Failures    []FileFailure `json:"failures,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	MirrorFails int           `json:"mirror_failures"`
}

// Duration returns how long the rebuild took.
func (r *RebuildReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FileRef describes a document found under the knowledge root.
type FileRef struct {
	Path     string    `json:"path"`
	Category string    `json:"category"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// RelativePath returns the slash path of the file under the knowledge root.
func (f FileRef) RelativePath() string {
	return f.Category + "/" + f.Name
}

// DriftReport lists known divergences between the file tree and the indexes.
// It is informational; a rebuild is the correction.
type DriftReport struct {
	// Unindexed files exist on disk but have never been indexed successfully.
	Unindexed []string `json:"unindexed"`

	// Stale files were modified after they were last indexed.
	Stale []string `json:"stale"`

	// Orphaned files were indexed but no longer exist; their vectors remain.
	Orphaned []string `json:"orphaned"`

	// MirrorMissing files are in their category index but not the global one.
	MirrorMissing []string `json:"mirror_missing"`

	// Superseded files have more records in their category index than their
	// last indexing produced, left over from earlier versions of the file.
	Superseded []string `json:"superseded"`

	// EmptyGlobal is true when categories have records but the global index has none.
	EmptyGlobal bool `json:"empty_global"`
}

// Clean reports whether no drift was found.
func (d *DriftReport) Clean() bool {
	return len(d.Unindexed) == 0 && len(d.Stale) == 0 && len(d.Orphaned) == 0 &&
		len(d.MirrorMissing) == 0 && len(d.Superseded) == 0 && !d.EmptyGlobal
}
