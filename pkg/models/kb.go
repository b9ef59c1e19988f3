package models

import "time"

// ChatMode selects which index scope answers a question.
type ChatMode string

const (
	ModeFreeChat      ChatMode = "free_chat"
	ModeCategoryQA    ChatMode = "category_qa"
	ModeKnowledgeChat ChatMode = "knowledge_chat"
)

// Valid reports whether m is one of the known modes.
func (m ChatMode) Valid() bool {
	switch m {
	case ModeFreeChat, ModeCategoryQA, ModeKnowledgeChat:
		return true
	}
	return false
}

// KBFile represents a document in the knowledge root.
type KBFile struct {
	Path           string     `json:"path"`
	Category       string     `json:"category"`
	Name           string     `json:"name"`
	Size           int64      `json:"size"`
	ModifiedAt     time.Time  `json:"modified_at"`
	IndexedAt      *time.Time `json:"indexed_at,omitempty"`
	ChunkCount     int        `json:"chunk_count"`
	Status         string     `json:"status,omitempty"`
	GlobalMirrored bool       `json:"global_mirrored"`
	Error          string     `json:"error,omitempty"`
}

// CategoryInfo summarizes one category.
type CategoryInfo struct {
	Name        string `json:"name"`
	FileCount   int    `json:"file_count"`
	RecordCount int    `json:"record_count"`
}

// SearchRequest is the request to search the knowledge base.
type SearchRequest struct {
	Query        string   `json:"query"`
	Mode         ChatMode `json:"mode"`
	Category     string   `json:"category,omitempty"`
	SelectedDocs []string `json:"selected_docs,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// SearchHit represents a single search result.
type SearchHit struct {
	Text         string            `json:"text"`
	Source       string            `json:"source"`
	RelativePath string            `json:"relative_path"`
	Category     string            `json:"category"`
	Score        float32           `json:"score"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SearchResult contains the results of a KB search.
type SearchResult struct {
	Results    []SearchHit `json:"results"`
	Query      string      `json:"query"`
	Scope      []string    `json:"scope"`
	SearchTime float64     `json:"search_time_ms"`
}

// IndexRequest asks the daemon to index files already in the knowledge root.
type IndexRequest struct {
	Category string   `json:"category"`
	Paths    []string `json:"paths"`
}

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the request to answer a question.
type ChatRequest struct {
	Question     string        `json:"question"`
	Mode         ChatMode      `json:"mode"`
	Category     string        `json:"category,omitempty"`
	SelectedDocs []string      `json:"selected_docs,omitempty"`
	Model        string        `json:"model,omitempty"`
	History      []ChatMessage `json:"history,omitempty"`
}

// ChatResponse is the answer plus the sources it was grounded on.
type ChatResponse struct {
	Answer  string   `json:"answer"`
	Model   string   `json:"model"`
	Mode    ChatMode `json:"mode"`
	Sources []string `json:"sources,omitempty"`
}

// RebuildRecord is the persisted summary of one rebuild.
type RebuildRecord struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Indexed    int       `json:"indexed"`
	Skipped    int       `json:"skipped"`
	Records    int       `json:"records"`
	Failures   int       `json:"failures"`
}

// File statuses recorded in the catalog.
const (
	FileStatusIndexed = "indexed"
	FileStatusFailed  = "failed"

	// FileStatusPending marks a file on disk the catalog has never seen.
	FileStatusPending = "pending"
)
