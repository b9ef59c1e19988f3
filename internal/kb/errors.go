package kb

import (
	"context"
	"errors"
	"fmt"

	"github.com/simpleflo/kbchat/pkg/models"
)

// UnsupportedFormatError reports a file whose extension has no decoder.
func UnsupportedFormatError(path, ext string) *models.KBError {
	return models.NewError(models.ErrUnsupportedFormat, fmt.Sprintf("unsupported file format %q", ext)).
		WithDetails("path", path)
}

// LoadError reports a file that could not be decoded. Callers treat it as
// zero segments for that file.
func LoadError(path string, cause error) *models.KBError {
	return models.Wrap(models.ErrLoadFailed, "failed to load document", cause).
		WithDetails("path", path)
}

// EmbeddingUnavailableError reports an unreachable or failing embedding backend.
func EmbeddingUnavailableError(model string, cause error) *models.KBError {
	return models.Wrap(models.ErrEmbeddingUnavailable, "embedding backend unavailable", cause).
		WithDetails("model", model)
}

// TimeoutError reports an embedding or model call that exceeded its deadline.
func TimeoutError(op string, cause error) *models.KBError {
	return models.Wrap(models.ErrTimeout, op+" timed out", cause)
}

// NotIndexedError reports an index with zero records.
func NotIndexedError(key string) *models.KBError {
	return models.NewError(models.ErrNotIndexed, fmt.Sprintf("category %q is not yet indexed", key)).
		WithDetails("index", key)
}

// DocumentNotIndexedError reports a selected document that has no records
// in its category's index.
func DocumentNotIndexedError(category, document string) *models.KBError {
	return models.NewError(models.ErrNotIndexed, fmt.Sprintf("document %q is not yet indexed in category %q", document, category)).
		WithDetails("index", category).
		WithDetails("document", document).
		WithRemedy("upload or re-index the document")
}

// classifyCallError maps a failed remote call to TimeoutError or
// EmbeddingUnavailableError. Cancellation by the caller is returned as is.
func classifyCallError(op, model string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutError(op, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return EmbeddingUnavailableError(model, err)
	}
}

// failureFrom converts an indexing error into a FileFailure entry.
func failureFrom(ref FileRef, err error) FileFailure {
	f := FileFailure{
		Path:     ref.Path,
		Category: ref.Category,
		Code:     string(models.ErrIndexFailed),
		Reason:   err.Error(),
	}
	if kbErr, ok := models.AsKBError(err); ok {
		f.Code = string(kbErr.Code)
	}
	return f
}

// NewFileFailure records a file that failed before reaching the indexer,
// such as an upload that could not be saved.
func NewFileFailure(path, category string, err error) FileFailure {
	return failureFrom(FileRef{Path: path, Category: category}, err)
}
