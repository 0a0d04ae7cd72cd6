package landmark

import "errors"

var (
	// ErrLandmarkRepositoryRequired is returned when a landmark repository is not provided.
	ErrLandmarkRepositoryRequired = errors.New("landmark repository required")

	// ErrEmbeddingRepositoryRequired is returned when an embedding repository is not provided.
	ErrEmbeddingRepositoryRequired = errors.New("embedding repository required")

	// ErrInvalidCount is returned when the landmark count is not positive.
	ErrInvalidCount = errors.New("landmark count must be positive")

	// ErrInvalidSampleSize is returned when the sample size is not positive.
	ErrInvalidSampleSize = errors.New("sample size must be positive")
)
