package kb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/observability"
)

const (
	// DefaultEmbeddingModel is the multilingual model the indexes are built with.
	DefaultEmbeddingModel = "bge-m3:latest"

	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultBatchSize is the number of texts sent per embed request.
	DefaultBatchSize = 16
)

// Embedder converts text into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	HealthCheck(ctx context.Context) HealthStatus
}

// HealthStatus is the typed result of probing a model backend.
type HealthStatus struct {
	Available    bool          `json:"available"`
	ModelPresent bool          `json:"model_present"`
	Model        string        `json:"model"`
	Latency      time.Duration `json:"latency"`
	Reason       string        `json:"reason,omitempty"`
}

// Ready reports whether the backend is reachable and has the model.
func (h HealthStatus) Ready() bool {
	return h.Available && h.ModelPresent
}

// OllamaEmbedder generates embeddings through the Ollama API.
//
// The API client is created on first use and shared by all callers. After
// a transport failure it is dropped and rebuilt by the next call.
type OllamaEmbedder struct {
	host       *url.URL
	httpClient *http.Client
	model      string
	batchSize  int
	workers    int
	timeout    time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	client  *api.Client
	created int
}

// NewOllamaEmbedder creates an embedder from configuration. No network
// call is made until the first request.
func NewOllamaEmbedder(cfg config.EmbeddingConfig, metrics *observability.Metrics) (*OllamaEmbedder, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultOllamaHost
	}
	model := cfg.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	ollamaURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama host URL: %w", err)
	}

	return &OllamaEmbedder{
		host:       ollamaURL,
		httpClient: &http.Client{},
		model:      model,
		batchSize:  batchSize,
		workers:    workers,
		timeout:    cfg.Timeout,
		metrics:    metrics,
		logger:     observability.Logger("kb.embeddings"),
	}, nil
}

// getClient returns the shared client, creating it if needed.
func (e *OllamaEmbedder) getClient() *api.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		e.client = api.NewClient(e.host, e.httpClient)
		e.created++
		if e.created > 1 {
			observability.LogEvent(e.logger, observability.EventEmbedderRecreated, map[string]interface{}{
				"host":        e.host.String(),
				"generations": e.created,
			})
		}
	}
	return e.client
}

// invalidate drops the shared client if it is still the one that failed.
func (e *OllamaEmbedder) invalidate(failed *api.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == failed {
		e.client = nil
	}
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts, preserving order. Sub-batches
// run in parallel up to the configured worker count. Any failure fails the
// whole call; no partial result is returned.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for from := 0; from < len(texts); from += e.batchSize {
		to := min(from+e.batchSize, len(texts))
		g.Go(func() error {
			out, err := e.embedRequest(gctx, texts[from:to])
			if err != nil {
				return err
			}
			copy(vectors[from:to], out)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// errgroup cancels gctx on first failure; report the parent's deadline
		// rather than the derived cancellation.
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, classifyCallError("embedding", e.model, ctx.Err())
		}
		return nil, err
	}

	e.metrics.ObserveEmbed(time.Since(start))
	e.logger.Debug().
		Int("count", len(texts)).
		Dur("duration", time.Since(start)).
		Msg("batch embedding completed")

	return vectors, nil
}

// embedRequest sends one embed call.
func (e *OllamaEmbedder) embedRequest(ctx context.Context, texts []string) ([][]float32, error) {
	client := e.getClient()

	resp, err := client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		if isTransportError(err) {
			e.invalidate(client)
		}
		return nil, classifyCallError("embedding", e.model, err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, EmbeddingUnavailableError(e.model,
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings)))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb) == 0 {
			return nil, EmbeddingUnavailableError(e.model, fmt.Errorf("empty embedding at %d", i))
		}
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// HealthCheck contacts the backend and reports whether the model is installed.
func (e *OllamaEmbedder) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Model: e.model}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := e.getClient()
	start := time.Now()

	list, err := client.List(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		if isTransportError(err) {
			e.invalidate(client)
		}
		status.Reason = fmt.Sprintf("embedding backend unreachable at %s: %v", e.host, err)
		return status
	}
	status.Available = true

	for _, m := range list.Models {
		if modelMatches(m.Name, e.model) || modelMatches(m.Model, e.model) {
			status.ModelPresent = true
			break
		}
	}
	if !status.ModelPresent {
		status.Reason = fmt.Sprintf("model %s is not installed; run: ollama pull %s", e.model, e.model)
	}
	return status
}

// modelMatches compares model names, treating a missing tag as ":latest".
func modelMatches(have, want string) bool {
	norm := func(s string) string {
		if !strings.Contains(s, ":") {
			return s + ":latest"
		}
		return s
	}
	return have != "" && norm(have) == norm(want)
}

// isTransportError reports whether err came from the connection rather
// than an HTTP response.
func isTransportError(err error) bool {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) || strings.Contains(err.Error(), "connection refused")
}
