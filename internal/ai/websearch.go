package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/observability"
)

// WebResult is one web search hit offered to the model in free_chat.
type WebResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// WebSearcher looks a question up on the web.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// GoogleSearcher queries Google Custom Search.
type GoogleSearcher struct {
	svc      *customsearch.Service
	engineID string
	results  int64
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewGoogleSearcher creates a searcher from cfg. Without an API key or
// engine ID the searcher is inert and every search returns no results.
func NewGoogleSearcher(ctx context.Context, cfg config.WebSearchConfig) (*GoogleSearcher, error) {
	g := &GoogleSearcher{
		engineID: cfg.EngineID,
		results:  int64(cfg.Results),
		timeout:  cfg.Timeout,
		logger:   observability.Logger("ai.websearch"),
	}
	if g.results <= 0 {
		g.results = 3
	}

	if cfg.APIKey == "" || cfg.EngineID == "" {
		g.logger.Warn().Msg("GOOGLE_API_KEY or GOOGLE_CSE_ID not set, web search disabled")
		return g, nil
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create custom search client: %w", err)
	}
	g.svc = svc
	return g, nil
}

// Search returns up to the configured number of results for query.
func (g *GoogleSearcher) Search(ctx context.Context, query string) ([]WebResult, error) {
	if g.svc == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := g.svc.Cse.List().Cx(g.engineID).Q(query).Num(g.results).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	out := make([]WebResult, 0, len(res.Items))
	for _, item := range res.Items {
		if item == nil || item.Link == "" {
			continue
		}
		out = append(out, WebResult{
			Title:   item.Title,
			Link:    item.Link,
			Snippet: strings.TrimSpace(item.Snippet),
		})
	}

	g.logger.Debug().
		Int("results", len(out)).
		Dur("duration", time.Since(start)).
		Msg("web search completed")
	return out, nil
}
