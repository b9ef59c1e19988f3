package kb

import (
	"path/filepath"
	"strings"

	"github.com/simpleflo/kbchat/internal/config"
)

// Policy names.
const (
	PolicyDefault  = "default"
	PolicyAcademic = "academic"
	PolicyLong     = "long"
)

// ChunkPolicy is one row of the chunking configuration table.
type ChunkPolicy struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Overlap int    `json:"overlap"`
}

// PolicyTable selects chunk parameters from a document's name and size.
type PolicyTable struct {
	Default  ChunkPolicy
	Academic ChunkPolicy
	Long     ChunkPolicy

	AcademicKeywords []string
	LongThreshold    int64
}

// NewPolicyTable builds the table from configuration. Academic documents
// use half the configured size and overlap; long documents keep the
// configured values.
func NewPolicyTable(cfg config.KBConfig) PolicyTable {
	academicSize := cfg.ChunkSize / 2
	if academicSize < 1 {
		academicSize = 1
	}
	academicOverlap := cfg.ChunkOverlap / 2
	if academicOverlap >= academicSize {
		academicOverlap = academicSize - 1
	}

	keywords := make([]string, len(cfg.AcademicKeywords))
	for i, k := range cfg.AcademicKeywords {
		keywords[i] = strings.ToLower(k)
	}

	return PolicyTable{
		Default:          ChunkPolicy{Name: PolicyDefault, Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		Academic:         ChunkPolicy{Name: PolicyAcademic, Size: academicSize, Overlap: academicOverlap},
		Long:             ChunkPolicy{Name: PolicyLong, Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		AcademicKeywords: keywords,
		LongThreshold:    cfg.LongDocumentBytes,
	}
}

// Select returns the policy for a file. Academic naming wins over size.
func (t PolicyTable) Select(path string, size int64) ChunkPolicy {
	name := strings.ToLower(filepath.Base(path))
	for _, k := range t.AcademicKeywords {
		if k != "" && strings.Contains(name, k) {
			return t.Academic
		}
	}
	if t.LongThreshold > 0 && size > t.LongThreshold {
		return t.Long
	}
	return t.Default
}
