package ai

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/kb"
	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/pkg/models"
)

const (
	freeChatSystem = `You are a helpful assistant. Answer the user's question clearly and concisely.`

	webChatSystem = `You are a helpful assistant. Web search results are provided with the question.
Use them when they are relevant and do not invent information they do not support.`

	documentSystem = `You are a helpful assistant answering questions from the user's own documents.
Use only the numbered passages provided with the question. If they do not contain
the answer, say that the documents do not cover it.`
)

// Retrieval resolves a chat scope and returns the passages for a query.
// kb.Router satisfies it.
type Retrieval interface {
	Retrieve(ctx context.Context, req kb.ResolveRequest, query string, k int) ([]kb.ScoredSegment, error)
}

// ChatService answers questions in one of the three chat modes.
type ChatService struct {
	provider     Provider
	retrieval    Retrieval
	searchK      int
	historyTurns int
	web          WebSearcher
	logger       zerolog.Logger
}

// NewChatService creates a chat service. searchK is the number of
// passages retrieved per question; historyTurns caps how many previous
// messages are sent with it.
func NewChatService(provider Provider, retrieval Retrieval, searchK, historyTurns int) *ChatService {
	if searchK <= 0 {
		searchK = 5
	}
	if historyTurns < 0 {
		historyTurns = 0
	}
	return &ChatService{
		provider:     provider,
		retrieval:    retrieval,
		searchK:      searchK,
		historyTurns: historyTurns,
		logger:       observability.Logger("ai.chat"),
	}
}

// SetWebSearcher enables web search for free_chat. A failed search falls
// back to answering without results.
func (s *ChatService) SetWebSearcher(w WebSearcher) {
	s.web = w
}

// Provider returns the underlying model provider.
func (s *ChatService) Provider() Provider {
	return s.provider
}

// Answer answers req. An empty mode means free_chat. Retrieval errors
// (category not indexed, empty knowledge base) are returned unchanged so
// the caller can show their remedy.
func (s *ChatService) Answer(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, models.NewError(models.ErrQuestionRequired, "question is required")
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeFreeChat
	}
	if !mode.Valid() {
		return nil, models.NewError(models.ErrInvalidMode, fmt.Sprintf("unknown chat mode %q", mode))
	}

	start := time.Now()
	system := freeChatSystem
	var hits []kb.ScoredSegment
	var web []WebResult
	if mode == models.ModeFreeChat {
		web = s.searchWeb(ctx, question)
		if len(web) > 0 {
			system = webChatSystem
		}
	} else {
		var err error
		hits, err = s.retrieval.Retrieve(ctx, kb.ResolveRequest{
			Mode:         mode,
			Category:     req.Category,
			SelectedDocs: req.SelectedDocs,
		}, question, s.searchK)
		if err != nil {
			return nil, err
		}
		hits = kb.MergePassages(hits)
		system = documentSystem
	}

	messages := append(recentHistory(req.History, s.historyTurns), models.ChatMessage{
		Role:    "user",
		Content: buildPrompt(mode, question, hits, web),
	})

	completion, err := s.provider.Complete(ctx, CompletionRequest{
		Model:    req.Model,
		System:   system,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	sources := sourcesOf(hits)
	for _, r := range web {
		sources = append(sources, r.Link)
	}
	s.logger.Info().
		Str("mode", string(mode)).
		Str("model", completion.Model).
		Int("passages", len(hits)).
		Int("web_results", len(web)).
		Int("sources", len(sources)).
		Dur("duration", time.Since(start)).
		Msg("question answered")

	return &models.ChatResponse{
		Answer:  strings.TrimSpace(completion.Content),
		Model:   completion.Model,
		Mode:    mode,
		Sources: sources,
	}, nil
}

// recentHistory keeps the last n user and assistant messages.
func recentHistory(history []models.ChatMessage, n int) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, n+1)
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// searchWeb returns web results for free_chat, or nil when search is off
// or fails.
func (s *ChatService) searchWeb(ctx context.Context, question string) []WebResult {
	if s.web == nil {
		return nil
	}
	results, err := s.web.Search(ctx, question)
	if err != nil {
		s.logger.Warn().Err(err).Msg("web search failed, answering without it")
		return nil
	}
	return results
}

func buildPrompt(mode models.ChatMode, question string, hits []kb.ScoredSegment, web []WebResult) string {
	var b strings.Builder
	if mode == models.ModeFreeChat {
		if len(web) == 0 {
			return question
		}
		b.WriteString("Web results:\n\n")
		for i, r := range web {
			fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.Snippet, r.Link)
		}
		b.WriteString("Question: ")
		b.WriteString(question)
		return b.String()
	}

	if len(hits) == 0 {
		b.WriteString("No passages matched the question.\n\n")
	} else {
		b.WriteString("Passages:\n\n")
		for i, h := range hits {
			fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, sourceLabel(h), strings.TrimSpace(h.Text))
		}
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// sourceLabel names a passage's document as category/file.
func sourceLabel(h kb.ScoredSegment) string {
	if rel := h.Metadata[kb.MetaRelativePath]; rel != "" {
		return rel
	}
	if name := h.Metadata[kb.MetaFileName]; name != "" {
		if cat := h.Metadata[kb.MetaCategory]; cat != "" {
			return cat + "/" + name
		}
		return name
	}
	return filepath.Base(h.Source())
}

func sourcesOf(hits []kb.ScoredSegment) []string {
	var out []string
	seen := make(map[string]bool)
	for _, h := range hits {
		label := sourceLabel(h)
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}
