// Package config handles kbchat configuration loading.
//
// A Config is built once at process start by Load and then passed by value
// (or by its sub-structs) into component constructors. Nothing in the
// process mutates it after Load returns.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all kbchat configuration.
type Config struct {
	// Daemon configuration
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
	SocketPath string `mapstructure:"socket" yaml:"socket"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat  string `mapstructure:"log_format" yaml:"log_format"`

	API       APIConfig       `mapstructure:"api" yaml:"api"`
	KB        KBConfig        `mapstructure:"kb" yaml:"kb"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector" yaml:"vector"`
	AI        AIConfig        `mapstructure:"ai" yaml:"ai"`
}

// APIConfig holds API server configuration.
type APIConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// KBConfig holds knowledge base layout and chunking configuration.
type KBConfig struct {
	// KnowledgeRoot holds one subdirectory per category with the original documents.
	KnowledgeRoot string `mapstructure:"knowledge_root" yaml:"knowledge_root"`

	// VectorRoot holds one subdirectory per category index plus __global__.
	VectorRoot string `mapstructure:"vector_root" yaml:"vector_root"`

	ChunkSize    int `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`

	// AcademicKeywords in a file name halve chunk size and overlap.
	AcademicKeywords []string `mapstructure:"academic_keywords" yaml:"academic_keywords"`

	// LongDocumentBytes is the size above which the long-document policy applies.
	LongDocumentBytes int64 `mapstructure:"long_document_bytes" yaml:"long_document_bytes"`

	MaxFileSize int64 `mapstructure:"max_file_size" yaml:"max_file_size"`

	// SearchK is the number of segments returned per query.
	SearchK int `mapstructure:"search_k" yaml:"search_k"`

	Watch WatchConfig `mapstructure:"watch" yaml:"watch"`
}

// WatchConfig controls the knowledge root watcher used by external sync.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// EmbeddingConfig holds embedding backend configuration.
type EmbeddingConfig struct {
	// Host of the Ollama API (default: http://localhost:11434)
	Host      string        `mapstructure:"host" yaml:"host"`
	Model     string        `mapstructure:"model" yaml:"model"`
	Dimension int           `mapstructure:"dimension" yaml:"dimension"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	Workers   int           `mapstructure:"workers" yaml:"workers"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Cache EmbeddingCacheConfig `mapstructure:"cache" yaml:"cache"`
}

// EmbeddingCacheConfig configures the optional Redis embedding cache.
// An empty RedisAddr disables the cache.
type EmbeddingCacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"-"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// VectorConfig selects and configures the vector index backend.
type VectorConfig struct {
	// Backend: "chromem" (default, embedded, on disk under kb.vector_root) or "qdrant"
	Backend  string       `mapstructure:"backend" yaml:"backend"`
	Compress bool         `mapstructure:"compress" yaml:"compress"`
	Qdrant   QdrantConfig `mapstructure:"qdrant" yaml:"qdrant"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host             string `mapstructure:"host" yaml:"host"`
	Port             int    `mapstructure:"port" yaml:"port"`
	CollectionPrefix string `mapstructure:"collection_prefix" yaml:"collection_prefix"`
}

// AIConfig holds language model configuration for the chat layer.
type AIConfig struct {
	Model           string        `mapstructure:"model" yaml:"model"`
	AvailableModels []string      `mapstructure:"available_models" yaml:"available_models"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature     float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`

	// HistoryTurns is how many previous messages are included in a prompt.
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`

	WebSearch WebSearchConfig `mapstructure:"web_search" yaml:"web_search"`
}

// WebSearchConfig configures Google Custom Search for free_chat. Missing
// credentials leave it enabled but returning nothing.
type WebSearchConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
	EngineID string `mapstructure:"engine_id" yaml:"engine_id"`

	// Endpoint overrides the Custom Search API base URL.
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Results  int           `mapstructure:"results" yaml:"results"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".kbchat")
	socketPath := filepath.Join(dataDir, "kbchat.sock")

	if runtime.GOOS == "windows" {
		socketPath = `\\.\pipe\kbchat`
	}

	return &Config{
		DataDir:    dataDir,
		SocketPath: socketPath,
		LogLevel:   "info",
		LogFormat:  "json",

		API: APIConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Minute, // rebuilds embed the whole corpus
			IdleTimeout:  120 * time.Second,
		},

		KB: KBConfig{
			KnowledgeRoot:     filepath.Join(dataDir, "knowledge_db"),
			VectorRoot:        filepath.Join(dataDir, "vector_db", "chroma_db"),
			ChunkSize:         1000,
			ChunkOverlap:      200,
			AcademicKeywords:  []string{"thesis", "paper", "research", "ieee", "acm"},
			LongDocumentBytes: 1024 * 1024,
			MaxFileSize:       50 * 1024 * 1024,
			SearchK:           5,
			Watch: WatchConfig{
				Enabled:  false,
				Debounce: 2 * time.Second,
			},
		},

		Embedding: EmbeddingConfig{
			Host:      "http://localhost:11434",
			Model:     "bge-m3:latest",
			Dimension: 1024,
			BatchSize: 16,
			Workers:   4,
			Timeout:   60 * time.Second,
			Cache: EmbeddingCacheConfig{
				TTL: 7 * 24 * time.Hour,
			},
		},

		Vector: VectorConfig{
			Backend: "chromem",
			Qdrant: QdrantConfig{
				Host:             "localhost",
				Port:             6334,
				CollectionPrefix: "kbchat",
			},
		},

		AI: AIConfig{
			Model:           "mistral:7b-instruct",
			AvailableModels: []string{"mistral:7b-instruct", "deepseek-coder:6.7b"},
			Endpoint:        "http://localhost:11434",
			Temperature:     0.7,
			Timeout:         120 * time.Second,
			MaxRetries:      1,
			HistoryTurns:    5,
			WebSearch: WebSearchConfig{
				Enabled: false,
				Results: 3,
				Timeout: 10 * time.Second,
			},
		},
	}
}

// Load loads configuration from .env, config files and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration, reading configFile when it is non-empty
// instead of searching the default locations.
func LoadFrom(configFile string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	defaultDataDir := cfg.DataDir

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("kbchat")
		v.SetConfigType("yaml")

		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".kbchat"))
		v.AddConfigPath("/etc/kbchat")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("KBCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// OLLAMA_URL is the conventional override for both embedding and chat.
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		if !v.IsSet("embedding.host") {
			cfg.Embedding.Host = url
		}
		if !v.IsSet("ai.endpoint") {
			cfg.AI.Endpoint = url
		}
	}

	// GOOGLE_API_KEY, GOOGLE_CSE_ID and USE_WEB_SEARCH configure web search.
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && !v.IsSet("ai.web_search.api_key") {
		cfg.AI.WebSearch.APIKey = key
	}
	if cx := os.Getenv("GOOGLE_CSE_ID"); cx != "" && !v.IsSet("ai.web_search.engine_id") {
		cfg.AI.WebSearch.EngineID = cx
	}
	if use := os.Getenv("USE_WEB_SEARCH"); use != "" && !v.IsSet("ai.web_search.enabled") {
		cfg.AI.WebSearch.Enabled = strings.EqualFold(strings.TrimSpace(use), "true")
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.SocketPath = expandPath(cfg.SocketPath)
	cfg.KB.KnowledgeRoot = expandPath(cfg.KB.KnowledgeRoot)
	cfg.KB.VectorRoot = expandPath(cfg.KB.VectorRoot)

	// Roots follow a relocated data dir unless set explicitly.
	if cfg.DataDir != defaultDataDir {
		if !v.IsSet("kb.knowledge_root") {
			cfg.KB.KnowledgeRoot = filepath.Join(cfg.DataDir, "knowledge_db")
		}
		if !v.IsSet("kb.vector_root") {
			cfg.KB.VectorRoot = filepath.Join(cfg.DataDir, "vector_db", "chroma_db")
		}
		if !v.IsSet("socket") && runtime.GOOS != "windows" {
			cfg.SocketPath = filepath.Join(cfg.DataDir, "kbchat.sock")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers nested keys so AutomaticEnv can see them without a config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir", "socket", "log_level", "log_format",
		"kb.knowledge_root", "kb.vector_root", "kb.chunk_size", "kb.chunk_overlap",
		"kb.search_k", "kb.watch.enabled",
		"embedding.host", "embedding.model", "embedding.dimension", "embedding.timeout",
		"embedding.cache.redis_addr", "embedding.cache.redis_password",
		"vector.backend", "vector.qdrant.host", "vector.qdrant.port",
		"ai.model", "ai.endpoint", "ai.temperature",
		"ai.web_search.enabled", "ai.web_search.api_key", "ai.web_search.engine_id",
	} {
		_ = v.BindEnv(key)
	}
}

// DatabasePath returns the path to the SQLite catalog.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kbchat.db")
}

// LogPath returns the path to the log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "kbchat.log")
}

// EnsureDirectories creates required directories.
// The vector root is not created here; the index store owns it and
// falls back to a temporary location when it cannot be created.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.KB.KnowledgeRoot,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}
