package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/simpleflo/kbchat/pkg/models"
)

func TestClassifyCallError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code models.ErrorCode
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), models.ErrTimeout},
		{"refused", errors.New("dial tcp: connection refused"), models.ErrLLMUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyCallError("ollama", "m", tt.err)
			if !models.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause should be preserved")
			}
		})
	}

	if err := classifyCallError("ollama", "m", context.Canceled); err != context.Canceled {
		t.Errorf("cancellation should pass through, got %v", err)
	}
}

func TestModelNotAllowedError(t *testing.T) {
	err := ModelNotAllowedError("gpt-4", []string{"mistral"})
	if err.Kind != models.KindPrecondition {
		t.Errorf("Kind = %s, want precondition", err.Kind)
	}
	if err.Remedy == "" {
		t.Error("expected a remedy")
	}
}
