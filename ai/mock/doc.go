// Package mock provides test doubles for the ai interfaces.
//
// # Usage in Tests
//
//	// Deterministic 8-dimensional vectors
//	embedder := mock.NewMockEmbedder(8)
//	vector, err := embedder.EmbedText(ctx, "test")
//
//	// Custom behavior injection
//	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
//	    return nil, errors.New("model offline")
//	}
//
//	// Check call counts
//	count := embedder.CallCount()
//
// # Default Behavior
//
// MockEmbedder returns unit vectors derived from a hash of the text, so the
// same text always embeds to the same vector.
package mock
