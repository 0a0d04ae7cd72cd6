package atomstore

import "errors"

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrEmbedderRequired is returned by text operations on a store opened
	// without an AI provider.
	ErrEmbedderRequired = errors.New("embedder required")
)
