// Package blob stores content that is too large to live inline in an atom
// row, along with derived artifacts such as spatial index snapshots.
//
// Keys are slash separated paths:
//
//	atoms/<atom id>/<version>       referenced atom content
//	index/<model id>/<version>.snap spatial index snapshots
//
// Implementations are provided for memory (tests), BadgerDB (the default,
// see storage/badger) and MinIO or any S3-compatible service (see blob/minio).
package blob

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/poiesic/atomstore/core"
)

// ErrNotFound is returned when a blob does not exist.
// It matches core.ErrNotFound under errors.Is.
var ErrNotFound = fmt.Errorf("blob %w", core.ErrNotFound)

// ErrCorrupt is returned when stored bytes cannot be decoded.
var ErrCorrupt = errors.New("corrupt blob")

// Store is a flat key/value store for immutable byte blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes a blob, replacing any existing blob with the same key.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads a whole blob. Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// AtomKey returns the key for the content of one atom version.
func AtomKey(id core.AtomID, version uint32) string {
	return "atoms/" + strconv.FormatUint(uint64(id), 10) + "/" + strconv.FormatUint(uint64(version), 10)
}

// AtomPrefix returns the prefix shared by every version of an atom.
func AtomPrefix(id core.AtomID) string {
	return "atoms/" + strconv.FormatUint(uint64(id), 10) + "/"
}

// SnapshotKey returns the key of a spatial index snapshot.
func SnapshotKey(modelID string, landmarkVersion uint64) string {
	return "index/" + modelID + "/" + strconv.FormatUint(landmarkVersion, 10) + ".snap"
}

// SnapshotPrefix returns the prefix shared by every snapshot of a model.
func SnapshotPrefix(modelID string) string {
	return "index/" + modelID + "/"
}
