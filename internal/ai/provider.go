// Package ai provides the language model provider and the chat service
// that answers questions from the model alone or from knowledge base
// passages.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simpleflo/kbchat/pkg/models"
)

// Provider defines the interface for language model backends.
type Provider interface {
	// Name returns the provider name (e.g., "ollama").
	Name() string

	// IsAvailable checks if the backend is reachable and the default model installed.
	IsAvailable(ctx context.Context) (bool, error)

	// Complete sends a conversation to the model and returns its reply.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string

	// Models returns the models a request may select.
	Models() []string
}

// CompletionRequest is one non-streaming chat call.
type CompletionRequest struct {
	// Model overrides the default model. It must be in the allow-list.
	Model string

	// System is sent as the leading system message when non-empty.
	System string

	// Messages are the conversation turns, oldest first.
	Messages []models.ChatMessage
}

// Completion is the model's reply.
type Completion struct {
	Content  string
	Model    string
	Duration time.Duration
}

// Complete sends a single prompt through p and returns the reply text.
func Complete(ctx context.Context, p Provider, prompt string) (string, error) {
	c, err := p.Complete(ctx, CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return c.Content, nil
}

// ProviderUnavailableError reports an unreachable or failing model backend.
func ProviderUnavailableError(provider, model string, cause error) *models.KBError {
	return models.Wrap(models.ErrLLMUnavailable,
		fmt.Sprintf("language model provider %s is unavailable", provider), cause).
		WithDetails("model", model)
}

// ModelNotAllowedError reports a request for a model outside the allow-list.
func ModelNotAllowedError(model string, allowed []string) *models.KBError {
	return models.NewError(models.ErrModelNotAllowed, fmt.Sprintf("model %q is not allowed", model)).
		WithDetails("allowed", allowed)
}

// classifyCallError maps a failed model call to a timeout or an
// unavailable provider. Cancellation by the caller is returned as is.
func classifyCallError(provider, model string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.Wrap(models.ErrTimeout, "language model timed out", err).
			WithDetails("model", model)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return ProviderUnavailableError(provider, model, err)
	}
}
