package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrNotIndexed, "category history is not yet indexed")

	if err.Code != ErrNotIndexed {
		t.Errorf("Code mismatch: got %s, want %s", err.Code, ErrNotIndexed)
	}
	if err.Kind != KindConsistency {
		t.Errorf("Kind mismatch: got %s, want %s", err.Kind, KindConsistency)
	}
	if err.Remedy == "" {
		t.Error("Remedy should default from the code")
	}
	if err.Cause != nil {
		t.Error("Cause should be nil")
	}
	if err.Details != nil {
		t.Error("Details should be nil")
	}
}

func TestKBError_Error(t *testing.T) {
	err := NewError(ErrCategoryRequired, "category is required")

	errStr := err.Error()
	if !strings.Contains(errStr, string(ErrCategoryRequired)) {
		t.Errorf("Error string should contain code: %s", errStr)
	}
	if !strings.Contains(errStr, "category is required") {
		t.Errorf("Error string should contain message: %s", errStr)
	}
}

func TestKBError_ErrorWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrEmbeddingUnavailable, "embedding backend unreachable").WithCause(cause)

	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error string should contain cause: %s", err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return cause")
	}
}

func TestKBError_WithDetails(t *testing.T) {
	err := NewError(ErrLoadFailed, "decode failed").
		WithDetails("path", "/kb/history/x.pdf").
		WithDetails("category", "history")

	if err.Details["path"] != "/kb/history/x.pdf" {
		t.Error("Details should contain path")
	}
	if err.Details["category"] != "history" {
		t.Error("Details should contain category")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorKind
	}{
		{ErrUnsupportedFormat, KindPartial},
		{ErrLoadFailed, KindPartial},
		{ErrEmbeddingUnavailable, KindTransient},
		{ErrTimeout, KindTransient},
		{ErrStorageUnavailable, KindTransient},
		{ErrDocumentsRequired, KindPrecondition},
		{ErrGlobalUnavailable, KindConsistency},
		{ErrorCode("E_SOMETHING_ELSE"), KindInternal},
	}

	for _, tt := range tests {
		if got := KindOf(tt.code); got != tt.want {
			t.Errorf("KindOf(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestEveryCodeHasRemedy(t *testing.T) {
	for code := range codeKinds {
		if RemedyOf(code) == "" {
			t.Errorf("code %s has no remedy", code)
		}
	}
}

func TestIsCode_ThroughWrapping(t *testing.T) {
	inner := NewError(ErrTimeout, "embedding timed out")
	outer := Wrap(ErrIndexFailed, "index history/notes.txt", inner)
	wrapped := fmt.Errorf("rebuild: %w", outer)

	if !IsCode(wrapped, ErrTimeout) {
		t.Error("IsCode should find the inner timeout")
	}
	if !IsCode(wrapped, ErrIndexFailed) {
		t.Error("IsCode should find the outer code")
	}
	if IsCode(wrapped, ErrNotIndexed) {
		t.Error("IsCode should not match an absent code")
	}
	if !IsKind(wrapped, KindInternal) {
		t.Error("IsKind should use the outermost KBError")
	}
}

func TestErrorsIs_SentinelByCode(t *testing.T) {
	err := fmt.Errorf("resolve: %w", NewError(ErrNotIndexed, "history has no records"))

	if !errors.Is(err, NewError(ErrNotIndexed, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, NewError(ErrGlobalUnavailable, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestAsKBError(t *testing.T) {
	if _, ok := AsKBError(errors.New("plain")); ok {
		t.Error("plain error should not convert")
	}

	kbErr, ok := AsKBError(fmt.Errorf("x: %w", NewError(ErrInvalidMode, "bad mode")))
	if !ok {
		t.Fatal("expected KBError")
	}
	if kbErr.Code != ErrInvalidMode {
		t.Errorf("Code mismatch: got %s", kbErr.Code)
	}
}
