package models

import (
	"errors"
	"fmt"
)

// ErrorCode represents a kbchat error code.
type ErrorCode string

// Error codes for knowledge base operations.
const (
	// Partial-batch errors: one file fails, the batch continues.
	ErrUnsupportedFormat ErrorCode = "E_UNSUPPORTED_FORMAT"
	ErrLoadFailed        ErrorCode = "E_LOAD_FAILED"

	// Transient errors: the user re-triggers the operation.
	ErrEmbeddingUnavailable ErrorCode = "E_EMBEDDING_UNAVAILABLE"
	ErrTimeout              ErrorCode = "E_TIMEOUT"
	ErrLLMUnavailable       ErrorCode = "E_LLM_UNAVAILABLE"
	ErrStorageUnavailable   ErrorCode = "E_STORAGE_UNAVAILABLE"

	// Precondition errors, raised before any loading or embedding starts.
	ErrCategoryRequired  ErrorCode = "E_CATEGORY_REQUIRED"
	ErrDocumentsRequired ErrorCode = "E_DOCUMENTS_REQUIRED"
	ErrInvalidCategory   ErrorCode = "E_INVALID_CATEGORY"
	ErrInvalidMode       ErrorCode = "E_INVALID_MODE"
	ErrFileNotFound      ErrorCode = "E_FILE_NOT_FOUND"
	ErrInvalidFileName   ErrorCode = "E_INVALID_FILE_NAME"
	ErrQuestionRequired  ErrorCode = "E_QUESTION_REQUIRED"
	ErrModelNotAllowed   ErrorCode = "E_MODEL_NOT_ALLOWED"
	ErrInvalidRequest    ErrorCode = "E_INVALID_REQUEST"

	// Consistency errors: corrected by a rebuild.
	ErrNotIndexed        ErrorCode = "E_NOT_INDEXED"
	ErrGlobalUnavailable ErrorCode = "E_GLOBAL_UNAVAILABLE"
	ErrDimensionMismatch ErrorCode = "E_DIMENSION_MISMATCH"

	ErrIndexFailed ErrorCode = "E_INDEX_FAILED"
	ErrInternal    ErrorCode = "E_INTERNAL"
)

// ErrorKind groups error codes by how the caller should react.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindPartial      ErrorKind = "partial"
	KindPrecondition ErrorKind = "precondition"
	KindConsistency  ErrorKind = "consistency"
	KindInternal     ErrorKind = "internal"
)

var codeKinds = map[ErrorCode]ErrorKind{
	ErrUnsupportedFormat:    KindPartial,
	ErrLoadFailed:           KindPartial,
	ErrEmbeddingUnavailable: KindTransient,
	ErrTimeout:              KindTransient,
	ErrLLMUnavailable:       KindTransient,
	ErrStorageUnavailable:   KindTransient,
	ErrCategoryRequired:     KindPrecondition,
	ErrDocumentsRequired:    KindPrecondition,
	ErrInvalidCategory:      KindPrecondition,
	ErrInvalidMode:          KindPrecondition,
	ErrFileNotFound:         KindPrecondition,
	ErrInvalidFileName:      KindPrecondition,
	ErrQuestionRequired:     KindPrecondition,
	ErrModelNotAllowed:      KindPrecondition,
	ErrInvalidRequest:       KindPrecondition,
	ErrNotIndexed:           KindConsistency,
	ErrGlobalUnavailable:    KindConsistency,
	ErrDimensionMismatch:    KindConsistency,
	ErrIndexFailed:          KindInternal,
	ErrInternal:             KindInternal,
}

var codeRemedies = map[ErrorCode]string{
	ErrUnsupportedFormat:    "upload a PDF, DOCX, TXT or Markdown file",
	ErrLoadFailed:           "check that the file is readable and not corrupted",
	ErrEmbeddingUnavailable: "start the embedding service and retry",
	ErrTimeout:              "retry the operation",
	ErrLLMUnavailable:       "start the language model service and retry",
	ErrStorageUnavailable:   "check permissions on the vector directory",
	ErrCategoryRequired:     "select a category",
	ErrDocumentsRequired:    "select at least one document",
	ErrInvalidCategory:      "choose a different category name",
	ErrInvalidMode:          "choose free_chat, category_qa or knowledge_chat",
	ErrFileNotFound:         "refresh the file list",
	ErrInvalidFileName:      "rename the file",
	ErrQuestionRequired:     "type a question",
	ErrModelNotAllowed:      "choose one of the configured models",
	ErrInvalidRequest:       "check the request and retry",
	ErrNotIndexed:           "index the category first",
	ErrGlobalUnavailable:    "rebuild the index",
	ErrDimensionMismatch:    "rebuild the index after changing the embedding model",
	ErrIndexFailed:          "rebuild the index",
}

// KindOf returns the kind for a code.
func KindOf(code ErrorCode) ErrorKind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInternal
}

// RemedyOf returns the default user-facing remedy for a code.
func RemedyOf(code ErrorCode) string {
	return codeRemedies[code]
}

// KBError represents a structured error with code and context.
type KBError struct {
	Code    ErrorCode              `json:"code"`
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Remedy  string                 `json:"remedy,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *KBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *KBError) Unwrap() error {
	return e.Cause
}

// Is matches another KBError by code, so sentinel values work with errors.Is.
func (e *KBError) Is(target error) bool {
	t, ok := target.(*KBError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new KBError.
func NewError(code ErrorCode, message string) *KBError {
	return &KBError{
		Code:    code,
		Kind:    KindOf(code),
		Message: message,
		Remedy:  RemedyOf(code),
	}
}

// WithDetails adds details to the error.
func (e *KBError) WithDetails(key string, value interface{}) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error.
func (e *KBError) WithCause(cause error) *KBError {
	e.Cause = cause
	return e
}

// WithRemedy overrides the default remedy.
func (e *KBError) WithRemedy(remedy string) *KBError {
	e.Remedy = remedy
	return e
}

// Wrap wraps an error with a KBError.
func Wrap(code ErrorCode, message string, cause error) *KBError {
	return NewError(code, message).WithCause(cause)
}

// AsKBError extracts the first KBError in err's chain.
func AsKBError(err error) (*KBError, bool) {
	var kbErr *KBError
	if errors.As(err, &kbErr) {
		return kbErr, true
	}
	return nil, false
}

// IsCode reports whether any KBError in err's chain has the given code.
func IsCode(err error, code ErrorCode) bool {
	var kbErr *KBError
	for err != nil {
		if !errors.As(err, &kbErr) {
			return false
		}
		if kbErr.Code == code {
			return true
		}
		err = kbErr.Cause
	}
	return false
}

// IsKind reports whether the outermost KBError in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	kbErr, ok := AsKBError(err)
	return ok && kbErr.Kind == kind
}
