package config

import (
	"fmt"
	"slices"
)

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside chunking or index creation.
func (c *Config) Validate() error {
	if c.KB.KnowledgeRoot == "" {
		return fmt.Errorf("kb.knowledge_root must be set")
	}
	if c.KB.VectorRoot == "" {
		return fmt.Errorf("kb.vector_root must be set")
	}
	if c.KB.ChunkSize <= 0 {
		return fmt.Errorf("kb.chunk_size must be positive, got %d", c.KB.ChunkSize)
	}
	if c.KB.ChunkOverlap < 0 || c.KB.ChunkOverlap >= c.KB.ChunkSize {
		return fmt.Errorf("kb.chunk_overlap must be in [0, chunk_size), got %d", c.KB.ChunkOverlap)
	}
	if c.KB.SearchK <= 0 {
		return fmt.Errorf("kb.search_k must be positive, got %d", c.KB.SearchK)
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model must be set")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}

	switch c.Vector.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vector.backend must be chromem or qdrant, got %q", c.Vector.Backend)
	}

	if len(c.AI.AvailableModels) > 0 && !slices.Contains(c.AI.AvailableModels, c.AI.Model) {
		return fmt.Errorf("ai.model %q is not in ai.available_models", c.AI.Model)
	}
	// Custom Search returns at most 10 results per request.
	if ws := c.AI.WebSearch; ws.Enabled && (ws.Results < 1 || ws.Results > 10) {
		return fmt.Errorf("ai.web_search.results must be in [1, 10], got %d", ws.Results)
	}
	return nil
}
