package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Every backend or store failure crossing a package
// boundary wraps exactly one of these so the transport layer can map it to
// a response without inspecting error strings.
var (
	// ErrUpstreamUnavailable: the embedding or generation backend could not
	// be reached at the transport level. Surfaced immediately, not retried.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamError: the backend was reachable but answered non-success.
	ErrUpstreamError = errors.New("upstream error")
	// ErrStore: a vector-store operation failed for a reason other than
	// "already exists" / "not found".
	ErrStore = errors.New("store error")
	// ErrAlreadyExists: index creation on a key already present in the store.
	ErrAlreadyExists = errors.New("index already exists")
	// ErrUnknownIndex: a label does not resolve to a known index.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrEmbeddingFailed: the question embedding stage failed.
	ErrEmbeddingFailed = errors.New("embedding failed")
	// ErrValidation: malformed mode, index name, or scenario payload.
	ErrValidation = errors.New("validation failed")
)

// UpstreamError carries the backend's status and response body for
// diagnostics. It matches ErrUpstreamError under errors.Is.
type UpstreamError struct {
	Backend string // "vectorizer" or "llm"
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Backend, e.Status, e.Body)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamError }

// ValidationError wraps ErrValidation with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// RecordFailure is one failed record of a bulk write.
type RecordFailure struct {
	RecordID string `json:"record_id"`
	Status   int    `json:"status"`
	Reason   string `json:"reason"`
}

// BulkWriteError reports partial or total failure of a batch write. The
// caller decides whether to abort or continue; document ingestion treats
// it as fatal for the run.
type BulkWriteError struct {
	Index  string
	Failed []RecordFailure
}

func (e *BulkWriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bulk write to %s: %d record(s) failed", e.Index, len(e.Failed))
	for i, f := range e.Failed {
		if i == 3 {
			b.WriteString("; ...")
			break
		}
		fmt.Fprintf(&b, "; id=%s status=%d %s", f.RecordID, f.Status, f.Reason)
	}
	return b.String()
}

func (e *BulkWriteError) Is(target error) bool { return target == ErrStore }
