package badger

import (
	"context"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/atomstore/blob"
)

// BlobStore implements blob.Store inside the same BadgerDB as the rows.
// Wrap it in blob.NewCompressedStore to compress content.
type BlobStore struct {
	backend *Backend
}

var _ blob.Store = (*BlobStore)(nil)

// NewBlobStore creates a blob store on top of the backend.
func NewBlobStore(backend *Backend) *BlobStore {
	return &BlobStore{backend: backend}
}

// Put writes a blob.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Set(makeBlobKey(key), data)
	})
}

// Get reads a blob.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.backend.View(func(tx *badger.Txn) error {
		var err error
		data, err = readValue(tx, makeBlobKey(key))
		if err != nil {
			return err
		}
		if data == nil {
			return blob.ErrNotFound
		}
		return nil
	})
	return data, err
}

// Delete removes a blob.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Delete(makeBlobKey(key))
	})
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.backend.View(func(tx *badger.Txn) error {
		return forEachKey(tx, makeBlobKey(prefix), func(key []byte) error {
			keys = append(keys, string(key[len(blobPrefix):]))
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}
