// Package daemon implements the kbchat daemon: the knowledge base, its
// indexes and the chat layer served over a Unix socket.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/ai"
	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/kb"
	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/internal/store"
)

// healthInterval is how often the embedding backend is checked.
var healthInterval = time.Minute

// Option overrides a collaborator the daemon would otherwise build from
// configuration.
type Option func(*options)

type options struct {
	embedder kb.Embedder
	provider ai.Provider
	vectors  kb.IndexStore
}

// WithEmbedder replaces the Ollama embedder.
func WithEmbedder(e kb.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithProvider replaces the Ollama chat provider.
func WithProvider(p ai.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithIndexStore replaces the configured vector backend.
func WithIndexStore(s kb.IndexStore) Option {
	return func(o *options) { o.vectors = s }
}

// Daemon is the kbchat daemon.
type Daemon struct {
	cfg    *config.Config
	store  *store.Store
	router chi.Router
	server *http.Server
	logger zerolog.Logger

	metrics   *observability.Metrics
	embedder  kb.Embedder
	cache     kb.EmbeddingCache
	vectors   kb.IndexStore
	library   *kb.Library
	indexer   *kb.Indexer
	retrieval *kb.Router
	chat      *ai.ChatService
	watcher   *kb.Watcher
	events    *EventBus

	// State
	mu         sync.RWMutex
	running    bool
	ready      bool
	startTime  time.Time
	lastHealth *kb.HealthStatus

	// Shutdown
	shutdownCh chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New builds the daemon and all of its components from cfg. Nothing
// listens until Start.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	// Initialize catalog store
	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		store:      st,
		logger:     observability.Logger("daemon"),
		metrics:    observability.NewMetrics(),
		events:     NewEventBus(100),
		shutdownCh: make(chan struct{}),
	}
	if err := d.build(o); err != nil {
		d.Close()
		return nil, err
	}

	// Setup router
	d.setupRouter()
	return d, nil
}

func (d *Daemon) build(o *options) error {
	cfg := d.cfg

	loader := kb.NewLoader(cfg.KB.KnowledgeRoot, cfg.KB.MaxFileSize)
	d.library = kb.NewLibrary(cfg.KB.KnowledgeRoot, loader)

	// Embedder, optionally behind the Redis cache
	d.embedder = o.embedder
	if d.embedder == nil {
		e, err := kb.NewOllamaEmbedder(cfg.Embedding, d.metrics)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
		d.embedder = e
	}
	if cfg.Embedding.Cache.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cache, err := kb.NewRedisCache(ctx, cfg.Embedding.Cache)
		cancel()
		if err != nil {
			d.logger.Warn().Err(err).Str("addr", cfg.Embedding.Cache.RedisAddr).
				Msg("embedding cache unavailable, embedding every chunk")
		} else {
			d.cache = cache
			d.embedder = kb.NewCachedEmbedder(d.embedder, cache)
		}
	}

	// Vector backend (falls back to a temp dir when the root is read-only)
	d.vectors = o.vectors
	if d.vectors == nil {
		vectors, err := newIndexStore(cfg, d.metrics)
		if err != nil {
			return err
		}
		d.vectors = vectors
	}
	d.metrics.SetStoreDegraded(d.vectors.Degraded())
	if d.vectors.Degraded() {
		d.logger.Warn().Str("location", d.vectors.Location()).
			Msg("vector root unavailable, indexes are temporary")
	}

	d.indexer = kb.NewIndexer(kb.IndexerOptions{
		Library:  d.library,
		Loader:   loader,
		Policies: kb.NewPolicyTable(cfg.KB),
		Embedder: d.embedder,
		Store:    d.vectors,
		Catalog:  d.store,
		Metrics:  d.metrics,
	})
	d.retrieval = kb.NewRouter(d.vectors, d.embedder, d.library, d.indexer, d.metrics)

	// Chat layer
	provider := o.provider
	if provider == nil {
		p, err := ai.NewOllamaProvider(cfg.AI)
		if err != nil {
			return fmt.Errorf("create chat provider: %w", err)
		}
		provider = p
	}
	d.chat = ai.NewChatService(provider, d.retrieval, cfg.KB.SearchK, cfg.AI.HistoryTurns)
	if cfg.AI.WebSearch.Enabled {
		web, err := ai.NewGoogleSearcher(context.Background(), cfg.AI.WebSearch)
		if err != nil {
			return fmt.Errorf("create web searcher: %w", err)
		}
		d.chat.SetWebSearcher(web)
	}

	// Watch the knowledge root for files dropped in outside the API
	if cfg.KB.Watch.Enabled {
		w, err := kb.NewWatcher(d.library, &publishingIndexer{inner: d.indexer, bus: d.events}, cfg.KB.Watch.Debounce)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		d.watcher = w
	}
	return nil
}

// newIndexStore opens the configured vector backend.
func newIndexStore(cfg *config.Config, metrics *observability.Metrics) (kb.IndexStore, error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		s, err := kb.NewQdrantStore(cfg.Vector.Qdrant, cfg.Embedding.Dimension)
		if err != nil {
			return nil, fmt.Errorf("connect to qdrant: %w", err)
		}
		return s, nil
	default:
		s, err := kb.NewChromemStore(cfg.KB.VectorRoot, cfg.Vector.Compress, metrics)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		return s, nil
	}
}

// setupRouter configures the HTTP router.
func (d *Daemon) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoints
		r.Get("/health", d.handleHealth)
		r.Get("/ready", d.handleReady)
		r.Get("/status", d.handleStatus)

		// KB endpoints
		r.Route("/kb", func(r chi.Router) {
			r.Get("/categories", d.handleListCategories)
			r.Delete("/categories/*", d.handleDeleteCategory)

			r.Get("/files", d.handleListFiles)
			r.Post("/files", d.handleUploadFiles)
			r.Delete("/files", d.handleDeleteFile)

			r.Post("/index", d.handleIndex)
			r.Post("/rebuild", d.handleRebuild)
			r.Get("/rebuilds", d.handleListRebuilds)
			r.Post("/search", d.handleSearch)
			r.Get("/drift", d.handleDrift)
		})

		// Chat endpoints
		r.Post("/chat", d.handleChat)
		r.Get("/models", d.handleModels)

		// Event stream
		r.Get("/events", d.handleSSEEvents)
		r.Get("/events/stats", d.handleSSEStats)
	})

	r.Handle("/metrics", d.metrics.Handler())

	d.router = r
}

// loggingMiddleware logs HTTP requests.
func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger := observability.WithRequestID(d.logger, middleware.GetReqID(r.Context()))
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// Handler returns the daemon's HTTP handler.
func (d *Daemon) Handler() http.Handler {
	return d.router
}

// Start listens on the configured socket and starts the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().
		Str("socket", d.cfg.SocketPath).
		Str("data_dir", d.cfg.DataDir).
		Str("knowledge_root", d.cfg.KB.KnowledgeRoot).
		Str("vector_store", d.vectors.Location()).
		Msg("starting daemon")

	// Remove existing socket file
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(d.cfg.SocketPath)

	// Create Unix socket listener
	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	// Set socket permissions
	if err := os.Chmod(d.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	// Create HTTP server
	d.server = &http.Server{
		Handler:      d.router,
		ReadTimeout:  d.cfg.API.ReadTimeout,
		WriteTimeout: d.cfg.API.WriteTimeout,
		IdleTimeout:  d.cfg.API.IdleTimeout,
	}

	// Start server in goroutine
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			observability.LogError(d.logger, err, "server error", map[string]interface{}{
				"socket": d.cfg.SocketPath,
			})
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Start embedder health checker
	d.wg.Add(1)
	go d.healthCheckLoop(loopCtx)

	// Start the knowledge root watcher
	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.watcher.Run(loopCtx); err != nil {
				d.logger.Error().Err(err).Msg("watcher stopped")
			}
		}()
	}

	// Mark as ready
	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	observability.LogEvent(d.logger, observability.EventDaemonStarted, map[string]interface{}{
		"socket":         d.cfg.SocketPath,
		"data_dir":       d.cfg.DataDir,
		"knowledge_root": d.cfg.KB.KnowledgeRoot,
		"watch":          d.watcher != nil,
	})
	return nil
}

// Stop gracefully stops the daemon and releases its resources.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.ready = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping daemon")

	// Signal shutdown
	close(d.shutdownCh)
	if d.cancel != nil {
		d.cancel()
	}

	// Shutdown HTTP server
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	// Close stores and remove socket file
	d.Close()
	os.Remove(d.cfg.SocketPath)

	observability.LogEvent(d.logger, observability.EventDaemonStopped, nil)
	return nil
}

// Close releases the event bus, the embedding cache, the vector store and
// the catalog. It is safe to call more than once.
func (d *Daemon) Close() error {
	var firstErr error
	d.closeOnce.Do(func() {
		d.events.Close()
		if d.cache != nil {
			if err := d.cache.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("failed to close embedding cache")
			}
		}
		if d.vectors != nil {
			if err := d.vectors.Close(); err != nil {
				firstErr = err
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Run runs the daemon until interrupted.
func (d *Daemon) Run() error {
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return d.Stop(shutdownCtx)
}

// Ready returns whether the daemon is ready to serve requests.
func (d *Daemon) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}

// Indexer returns the indexing orchestrator.
func (d *Daemon) Indexer() *kb.Indexer {
	return d.indexer
}

// healthCheckLoop checks the embedding backend and logs when it comes
// and goes.
func (d *Daemon) healthCheckLoop(ctx context.Context) {
	defer d.wg.Done()

	d.checkEmbedderHealth(ctx)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkEmbedderHealth(ctx)
		}
	}
}

func (d *Daemon) checkEmbedderHealth(ctx context.Context) kb.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status := d.embedder.HealthCheck(ctx)

	d.mu.Lock()
	prev := d.lastHealth
	d.lastHealth = &status
	d.mu.Unlock()

	if prev == nil || prev.Ready() != status.Ready() {
		observability.LogEvent(d.logger, observability.EventHealthCheck, map[string]interface{}{
			"model":         status.Model,
			"available":     status.Available,
			"model_present": status.ModelPresent,
			"reason":        status.Reason,
		})
	}
	return status
}
