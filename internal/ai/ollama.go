package ai

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

	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/observability"
)

const (
	// DefaultChatModel is the model used when none is configured.
	DefaultChatModel = "mistral:7b-instruct"

	// DefaultEndpoint is the default Ollama API endpoint.
	DefaultEndpoint = "http://localhost:11434"
)

// OllamaProvider implements the Provider interface using local Ollama.
//
// Like the embedder, it shares one lazily created API client and drops it
// after a transport failure so the next call reconnects.
type OllamaProvider struct {
	host        *url.URL
	httpClient  *http.Client
	model       string
	allowed     []string
	temperature float64
	timeout     time.Duration
	maxRetries  int
	logger      zerolog.Logger

	mu     sync.Mutex
	client *api.Client
}

// NewOllamaProvider creates a new Ollama provider. The default model is
// always allowed, even when the configured list omits it.
func NewOllamaProvider(cfg config.AIConfig) (*OllamaProvider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	host, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama endpoint URL: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultChatModel
	}

	allowed := []string{model}
	for _, m := range cfg.AvailableModels {
		if m != "" && !containsModel(allowed, m) {
			allowed = append(allowed, m)
		}
	}

	return &OllamaProvider{
		host:        host,
		httpClient:  &http.Client{},
		model:       model,
		allowed:     allowed,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		maxRetries:  max(cfg.MaxRetries, 0),
		logger:      observability.Logger("ai.ollama"),
	}, nil
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// DefaultModel returns the configured default model.
func (p *OllamaProvider) DefaultModel() string {
	return p.model
}

// Models returns the allow-list, default model first.
func (p *OllamaProvider) Models() []string {
	return append([]string(nil), p.allowed...)
}

func (p *OllamaProvider) getClient() *api.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		p.client = api.NewClient(p.host, p.httpClient)
	}
	return p.client
}

func (p *OllamaProvider) invalidate(failed *api.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == failed {
		p.client = nil
	}
}

// IsAvailable checks if Ollama is running and the default model is installed.
func (p *OllamaProvider) IsAvailable(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := p.getClient()
	list, err := client.List(ctx)
	if err != nil {
		if isTransportError(err) {
			p.invalidate(client)
		}
		return false, ProviderUnavailableError(p.Name(), p.model,
			fmt.Errorf("cannot connect to Ollama at %s: %w", p.host, err))
	}

	for _, m := range list.Models {
		if containsModel([]string{m.Name, m.Model}, p.model) {
			return true, nil
		}
	}

	return false, ProviderUnavailableError(p.Name(), p.model,
		fmt.Errorf("model %s not found, run: ollama pull %s", p.model, p.model))
}

// Complete sends a non-streaming chat request. Transport failures and
// server errors are retried up to the configured count; client errors
// and deadlines are not.
func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if !containsModel(p.allowed, model) {
		return nil, ModelNotAllowedError(model, p.allowed)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": p.temperature,
		},
	}

	start := time.Now()
	var (
		content strings.Builder
		lastErr error
	)
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		client := p.getClient()
		content.Reset()

		err := client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			content.WriteString(resp.Message.Content)
			return nil
		})
		if err == nil {
			p.logger.Debug().
				Str("model", model).
				Int("messages", len(messages)).
				Dur("duration", time.Since(start)).
				Msg("chat completed")
			return &Completion{Content: content.String(), Model: model, Duration: time.Since(start)}, nil
		}

		lastErr = err
		if isTransportError(err) {
			p.invalidate(client)
			continue
		}
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}

	p.logger.Warn().Err(lastErr).Str("model", model).Msg("chat failed")
	return nil, classifyCallError(p.Name(), model, lastErr)
}

// retryable reports whether a server error is worth another attempt.
func retryable(err error) bool {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	return false
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

// containsModel compares model names, treating a missing tag as ":latest".
func containsModel(list []string, want string) bool {
	norm := func(s string) string {
		if !strings.Contains(s, ":") {
			return s + ":latest"
		}
		return s
	}
	for _, have := range list {
		if have != "" && norm(have) == norm(want) {
			return true
		}
	}
	return false
}
