package ragtypes

import "errors"

// Error taxonomy per spec.md §7. Each gateway/component wraps the
// matching sentinel and formats the underlying transport or parsing error
// into the message via fmt.Errorf("%w: %v", sentinel, err); callers test
// with errors.Is against the sentinel.
var (
	ErrExtractionFailed       = errors.New("extraction failed")
	ErrEmbeddingUnavailable   = errors.New("embedding gateway unavailable")
	ErrRerankerUnavailable    = errors.New("reranker gateway unavailable")
	ErrLLMUnavailable         = errors.New("llm gateway unavailable")
	ErrLLMStreamTruncated     = errors.New("llm stream truncated")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrIngestionYieldedNothing = errors.New("ingestion yielded no chunks")
	ErrDocumentNotFound       = errors.New("document not found")
	ErrUnsupportedMIME        = errors.New("unsupported mime type")
	ErrUploadTooLarge         = errors.New("upload exceeds maximum size")
	ErrCancelled              = errors.New("request cancelled")
)
