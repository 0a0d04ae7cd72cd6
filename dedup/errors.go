package dedup

import "errors"

var (
	// ErrSearcherRequired is returned when a searcher is not provided.
	ErrSearcherRequired = errors.New("searcher required")

	// ErrEmbeddingRepositoryRequired is returned when an embedding repository is not provided.
	ErrEmbeddingRepositoryRequired = errors.New("embedding repository required")

	// ErrReportRepositoryRequired is returned when a report repository is not provided.
	ErrReportRepositoryRequired = errors.New("report repository required")

	// ErrInvalidPolicy is returned for out-of-range thresholds or limits.
	ErrInvalidPolicy = errors.New("invalid deduplication policy")
)
