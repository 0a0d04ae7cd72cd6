package reproject

import "errors"

var (
	// ErrEmbeddingRepositoryRequired is returned when an embedding repository is not provided.
	ErrEmbeddingRepositoryRequired = errors.New("embedding repository required")

	// ErrAtomRepositoryRequired is returned when an atom repository is not provided.
	ErrAtomRepositoryRequired = errors.New("atom repository required")

	// ErrProjectorsRequired is returned when a landmark projector source is not provided.
	ErrProjectorsRequired = errors.New("landmark projectors required")

	// ErrCatalogRequired is returned when a spatial catalog is not provided.
	ErrCatalogRequired = errors.New("spatial catalog required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrSameModel is returned when re-embedding a model into itself.
	ErrSameModel = errors.New("source and target model are the same")
)
