package ingestion

import "errors"

var (
	// ErrAtomRepositoryRequired is returned when an atom repository is not provided.
	ErrAtomRepositoryRequired = errors.New("atom repository required")

	// ErrEmbeddingRepositoryRequired is returned when an embedding repository is not provided.
	ErrEmbeddingRepositoryRequired = errors.New("embedding repository required")

	// ErrProjectorsRequired is returned when a landmark projector source is not provided.
	ErrProjectorsRequired = errors.New("landmark projectors required")

	// ErrIndexRequired is returned when a spatial index is not provided.
	ErrIndexRequired = errors.New("spatial index required")

	// ErrEmbedderRequired is returned when text must be embedded but no embedder is configured.
	ErrEmbedderRequired = errors.New("embedder required")
)
