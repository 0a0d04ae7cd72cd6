package badger

import (
	"errors"

	"github.com/poiesic/atomstore/storage"
)

var (
	errClosed = storage.ErrStorageClosed

	// ErrBackendRequired is returned when a repository is created without a backend.
	ErrBackendRequired = errors.New("backend is required")

	// ErrInvalidName is returned for model ids, edge kinds and processor
	// types that are empty or contain a NUL byte.
	ErrInvalidName = errors.New("name must be non-empty and must not contain NUL")
)
