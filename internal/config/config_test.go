package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.SocketPath == "" {
		t.Error("SocketPath should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel should be 'info', got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat should be 'json', got %s", cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultConfig_UnixSocketPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skip on Windows")
	}

	cfg := DefaultConfig()
	if !strings.HasSuffix(cfg.SocketPath, ".sock") {
		t.Errorf("Unix socket path should end with .sock, got %s", cfg.SocketPath)
	}
}

func TestDefaultConfig_KBDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.KB.ChunkSize != 1000 {
		t.Errorf("ChunkSize should be 1000, got %d", cfg.KB.ChunkSize)
	}
	if cfg.KB.ChunkOverlap != 200 {
		t.Errorf("ChunkOverlap should be 200, got %d", cfg.KB.ChunkOverlap)
	}
	if cfg.KB.LongDocumentBytes != 1024*1024 {
		t.Errorf("LongDocumentBytes should be 1MB, got %d", cfg.KB.LongDocumentBytes)
	}
	if cfg.KB.SearchK != 5 {
		t.Errorf("SearchK should be 5, got %d", cfg.KB.SearchK)
	}
	if !strings.HasSuffix(cfg.KB.KnowledgeRoot, "knowledge_db") {
		t.Errorf("KnowledgeRoot should end with knowledge_db, got %s", cfg.KB.KnowledgeRoot)
	}
	if !strings.HasSuffix(cfg.KB.VectorRoot, filepath.Join("vector_db", "chroma_db")) {
		t.Errorf("VectorRoot should end with vector_db/chroma_db, got %s", cfg.KB.VectorRoot)
	}

	keywords := map[string]bool{}
	for _, k := range cfg.KB.AcademicKeywords {
		keywords[k] = true
	}
	for _, want := range []string{"thesis", "paper", "ieee"} {
		if !keywords[want] {
			t.Errorf("AcademicKeywords should contain %q", want)
		}
	}
}

func TestDefaultConfig_EmbeddingAndAIDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Embedding.Model != "bge-m3:latest" {
		t.Errorf("Embedding model should be bge-m3:latest, got %s", cfg.Embedding.Model)
	}
	if cfg.Embedding.Timeout != 60*time.Second {
		t.Errorf("Embedding timeout should be 60s, got %v", cfg.Embedding.Timeout)
	}
	if cfg.Vector.Backend != "chromem" {
		t.Errorf("Vector backend should be chromem, got %s", cfg.Vector.Backend)
	}
	if cfg.AI.Temperature != 0.7 {
		t.Errorf("Temperature should be 0.7, got %v", cfg.AI.Temperature)
	}
	if cfg.AI.HistoryTurns != 5 {
		t.Errorf("HistoryTurns should be 5, got %d", cfg.AI.HistoryTurns)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"overlap equals size", func(c *Config) { c.KB.ChunkOverlap = c.KB.ChunkSize }, "chunk_overlap"},
		{"zero chunk size", func(c *Config) { c.KB.ChunkSize = 0 }, "chunk_size"},
		{"negative overlap", func(c *Config) { c.KB.ChunkOverlap = -1 }, "chunk_overlap"},
		{"empty vector root", func(c *Config) { c.KB.VectorRoot = "" }, "vector_root"},
		{"unknown backend", func(c *Config) { c.Vector.Backend = "faiss" }, "vector.backend"},
		{"model not allowed", func(c *Config) { c.AI.Model = "llama3" }, "ai.model"},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }, "dimension"},
		{"too many web results", func(c *Config) { c.AI.WebSearch.Enabled = true; c.AI.WebSearch.Results = 20 }, "web_search.results"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot get home directory")
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"~", homeDir},
		{"~/kb", filepath.Join(homeDir, "kb")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadFrom_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbchat.yaml")
	content := `
data_dir: ` + dir + `
log_level: debug
kb:
  chunk_size: 800
  chunk_overlap: 100
vector:
  backend: qdrant
  qdrant:
    port: 6400
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel should be debug, got %s", cfg.LogLevel)
	}
	if cfg.KB.ChunkSize != 800 || cfg.KB.ChunkOverlap != 100 {
		t.Errorf("chunk settings not loaded: %d/%d", cfg.KB.ChunkSize, cfg.KB.ChunkOverlap)
	}
	if cfg.Vector.Backend != "qdrant" || cfg.Vector.Qdrant.Port != 6400 {
		t.Errorf("vector settings not loaded: %+v", cfg.Vector)
	}
	if cfg.Vector.Qdrant.Host != "localhost" {
		t.Errorf("unset nested defaults should survive, got host %q", cfg.Vector.Qdrant.Host)
	}
	if cfg.KB.KnowledgeRoot != filepath.Join(dir, "knowledge_db") {
		t.Errorf("KnowledgeRoot should follow data_dir, got %s", cfg.KB.KnowledgeRoot)
	}
	if cfg.KB.VectorRoot != filepath.Join(dir, "vector_db", "chroma_db") {
		t.Errorf("VectorRoot should follow data_dir, got %s", cfg.KB.VectorRoot)
	}
}

func TestLoadFrom_InvalidFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbchat.yaml")
	if err := os.WriteFile(path, []byte("kb:\n  chunk_size: 100\n  chunk_overlap: 100\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("overlap equal to chunk size should be rejected")
	}
}

func TestLoadFrom_OllamaURLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbchat.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OLLAMA_URL", "http://gpu-box:11434")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Embedding.Host != "http://gpu-box:11434" {
		t.Errorf("Embedding.Host should come from OLLAMA_URL, got %s", cfg.Embedding.Host)
	}
	if cfg.AI.Endpoint != "http://gpu-box:11434" {
		t.Errorf("AI.Endpoint should come from OLLAMA_URL, got %s", cfg.AI.Endpoint)
	}
}

func TestLoadFrom_WebSearchEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbchat.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("GOOGLE_CSE_ID", "test-cx")
	t.Setenv("USE_WEB_SEARCH", "True")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	ws := cfg.AI.WebSearch
	if !ws.Enabled || ws.APIKey != "test-key" || ws.EngineID != "test-cx" {
		t.Errorf("web search should come from the Google env vars, got %+v", ws)
	}
	if ws.Results != 3 {
		t.Errorf("Results = %d, want 3", ws.Results)
	}

	t.Setenv("USE_WEB_SEARCH", "false")
	cfg, err = LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.AI.WebSearch.Enabled {
		t.Error("USE_WEB_SEARCH=false should disable web search")
	}
}

func TestLoadFrom_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbchat.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KBCHAT_EMBEDDING_MODEL", "nomic-embed-text")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding.Model should come from env, got %s", cfg.Embedding.Model)
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/kbchat-test"}
	if got := cfg.DatabasePath(); got != "/tmp/kbchat-test/kbchat.db" {
		t.Errorf("DatabasePath = %s", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.KB.KnowledgeRoot = filepath.Join(dir, "data", "knowledge_db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{cfg.DataDir, cfg.KB.KnowledgeRoot} {
		info, err := os.Stat(d)
		if err != nil {
			t.Errorf("directory %s not created: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", d)
		}
	}
}
