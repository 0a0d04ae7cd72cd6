package reproject

import "time"

// Config holds configuration for reprojection and re-embedding runs.
type Config struct {
	// BatchSize is the number of embeddings to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of embeddings)
	ReportInterval int

	// MaxRetries is the maximum number of retry attempts for failed operations
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// Normalize scales re-embedded vectors to unit length
	Normalize bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 1000,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
		Normalize:      true,
	}
}

// Stats summarizes a completed run.
type Stats struct {
	ModelID string
	// LandmarkVersion is the set coordinates were computed with; zero for re-embedding.
	LandmarkVersion uint64
	// Total is the number of embeddings visited.
	Total int
	// Updated is the number of rows written.
	Updated int
	// Skipped counts embeddings that needed no work.
	Skipped int
	// Resumed is true when the run continued from a checkpoint.
	Resumed bool
	Elapsed time.Duration
}
