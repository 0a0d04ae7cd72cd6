package badger

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// embeddingPageSize bounds how many rows ForEachEmbedding reads per transaction.
const embeddingPageSize = 256

// EmbeddingRepository implements storage.EmbeddingRepository for BadgerDB.
type EmbeddingRepository struct {
	backend *Backend
}

var _ storage.EmbeddingRepository = (*EmbeddingRepository)(nil)

// NewEmbeddingRepository creates a new EmbeddingRepository.
func NewEmbeddingRepository(backend *Backend) (*EmbeddingRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &EmbeddingRepository{backend: backend}, nil
}

// PutEmbeddings inserts or replaces embeddings.
func (r *EmbeddingRepository) PutEmbeddings(ctx context.Context, embeddings ...*core.Embedding) error {
	for _, e := range embeddings {
		if err := core.ValidateEmbedding(e); err != nil {
			return err
		}
		if !validName(e.ModelID) {
			return fmt.Errorf("%w: model id %q", ErrInvalidName, e.ModelID)
		}
	}

	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		models := make(map[string]*core.ModelInfo)
		ts := now()
		for _, e := range embeddings {
			ok, err := atomExists(tx, e.AtomID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: atom %d", storage.ErrNotFound, e.AtomID)
			}

			info, err := r.modelInfo(tx, models, e.ModelID)
			if err != nil {
				return err
			}
			if info == nil {
				info = &core.ModelInfo{ModelID: e.ModelID, Dimension: len(e.Vector), CreatedAt: ts}
				if err := tx.Set(makeModelKey(e.ModelID), storage.MarshalModelInfo(info)); err != nil {
					return err
				}
				models[e.ModelID] = info
			}
			if err := core.CheckDimension(e.ModelID, info.Dimension, len(e.Vector)); err != nil {
				return err
			}

			key := makeEmbeddingKey(e.ModelID, e.AtomID)
			existing, err := readEmbedding(tx, key)
			if err != nil {
				return err
			}
			e.InsertedAt = ts
			if existing != nil {
				e.InsertedAt = existing.InsertedAt
			}
			e.UpdatedAt = ts

			if err := tx.Set(key, storage.MarshalEmbedding(e)); err != nil {
				return err
			}
			if err := tx.Set(makeEmbeddingAtomKey(e.AtomID, e.ModelID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *EmbeddingRepository) modelInfo(tx *badger.Txn, cache map[string]*core.ModelInfo, modelID string) (*core.ModelInfo, error) {
	if info, ok := cache[modelID]; ok {
		return info, nil
	}
	val, err := readValue(tx, makeModelKey(modelID))
	if err != nil || val == nil {
		return nil, err
	}
	info, err := storage.UnmarshalModelInfo(val)
	if err != nil {
		return nil, err
	}
	cache[modelID] = info
	return info, nil
}

// GetEmbedding retrieves one embedding.
func (r *EmbeddingRepository) GetEmbedding(ctx context.Context, atomID core.AtomID, modelID string) (*core.Embedding, error) {
	var result *core.Embedding
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		result, err = readEmbedding(tx, makeEmbeddingKey(modelID, atomID))
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("%w: embedding of atom %d for model %q", storage.ErrNotFound, atomID, modelID)
		}
		return nil
	})
	return result, err
}

// GetEmbeddings retrieves the embeddings of several atoms for one model.
func (r *EmbeddingRepository) GetEmbeddings(ctx context.Context, modelID string, ids ...core.AtomID) ([]*core.Embedding, error) {
	results := make([]*core.Embedding, 0, len(ids))
	err := r.backend.View(func(tx *badger.Txn) error {
		for _, id := range ids {
			e, err := readEmbedding(tx, makeEmbeddingKey(modelID, id))
			if err != nil {
				return err
			}
			if e != nil {
				results = append(results, e)
			}
		}
		return nil
	})
	return results, err
}

// EmbeddingsForAtom returns every model's embedding of an atom.
func (r *EmbeddingRepository) EmbeddingsForAtom(ctx context.Context, atomID core.AtomID) ([]*core.Embedding, error) {
	var results []*core.Embedding
	err := r.backend.View(func(tx *badger.Txn) error {
		var models []string
		err := forEachKey(tx, makePartialEmbeddingAtomKey(atomID), func(key []byte) error {
			models = append(models, string(key[len(embeddingAtomPrefix)+8:]))
			return nil
		})
		if err != nil {
			return err
		}
		for _, modelID := range models {
			e, err := readEmbedding(tx, makeEmbeddingKey(modelID, atomID))
			if err != nil {
				return err
			}
			if e != nil {
				results = append(results, e)
			}
		}
		return nil
	})
	return results, err
}

// DeleteEmbedding removes one embedding.
func (r *EmbeddingRepository) DeleteEmbedding(ctx context.Context, atomID core.AtomID, modelID string) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		key := makeEmbeddingKey(modelID, atomID)
		ok, err := exists(tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: embedding of atom %d for model %q", storage.ErrNotFound, atomID, modelID)
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
		return tx.Delete(makeEmbeddingAtomKey(atomID, modelID))
	})
}

// ForEachEmbedding visits a model's embeddings in atom id order. Rows are
// read a page at a time so fn never runs inside a long-lived transaction.
func (r *EmbeddingRepository) ForEachEmbedding(ctx context.Context, modelID string, after core.AtomID, fn func(*core.Embedding) error) error {
	prefix := makePartialEmbeddingKey(modelID)
	cursor := after
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := make([]*core.Embedding, 0, embeddingPageSize)
		err := r.backend.View(func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			iter := tx.NewIterator(opts)
			defer iter.Close()

			start := makeEmbeddingKey(modelID, cursor+1)
			if cursor == 0 {
				start = prefix
			}
			for iter.Seek(start); iter.Valid() && len(page) < embeddingPageSize; iter.Next() {
				var e *core.Embedding
				err := iter.Item().Value(func(val []byte) error {
					var err error
					e, err = storage.UnmarshalEmbedding(val)
					return err
				})
				if err != nil {
					return err
				}
				page = append(page, e)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < embeddingPageSize {
			return nil
		}
		cursor = page[len(page)-1].AtomID
	}
}

// SetCoordinates records projected coordinates for a landmark set version.
func (r *EmbeddingRepository) SetCoordinates(ctx context.Context, modelID string, landmarkVersion uint64, coords map[core.AtomID][]float64) error {
	ids := make([]core.AtomID, 0, len(coords))
	for id := range coords {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		ts := now()
		for _, id := range ids {
			key := makeEmbeddingKey(modelID, id)
			e, err := readEmbedding(tx, key)
			if err != nil {
				return err
			}
			if e == nil {
				continue
			}
			e.Coordinate = coords[id]
			e.LandmarkVersion = landmarkVersion
			e.UpdatedAt = ts
			if err := tx.Set(key, storage.MarshalEmbedding(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountEmbeddings returns the number of embeddings of a model.
func (r *EmbeddingRepository) CountEmbeddings(ctx context.Context, modelID string) (int, error) {
	count := 0
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachKey(tx, makePartialEmbeddingKey(modelID), func([]byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// LandmarkVersionsInUse counts embeddings per recorded landmark set version.
func (r *EmbeddingRepository) LandmarkVersionsInUse(ctx context.Context, modelID string) (map[uint64]int, error) {
	inUse := make(map[uint64]int)
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachValue(tx, makePartialEmbeddingKey(modelID), func(_, val []byte) error {
			e, err := storage.UnmarshalEmbedding(val)
			if err != nil {
				return err
			}
			if e.LandmarkVersion != 0 {
				inUse[e.LandmarkVersion]++
			}
			return nil
		})
	})
	return inUse, err
}

// ModelInfo returns the recorded dimension of a model.
func (r *EmbeddingRepository) ModelInfo(ctx context.Context, modelID string) (*core.ModelInfo, error) {
	var info *core.ModelInfo
	err := r.backend.View(func(tx *badger.Txn) error {
		val, err := readValue(tx, makeModelKey(modelID))
		if err != nil {
			return err
		}
		if val == nil {
			return fmt.Errorf("%w: model %q", storage.ErrNotFound, modelID)
		}
		info, err = storage.UnmarshalModelInfo(val)
		return err
	})
	return info, err
}

// Models lists every known model.
func (r *EmbeddingRepository) Models(ctx context.Context) ([]*core.ModelInfo, error) {
	var models []*core.ModelInfo
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachValue(tx, []byte(modelPrefix), func(_, val []byte) error {
			info, err := storage.UnmarshalModelInfo(val)
			if err != nil {
				return err
			}
			models = append(models, info)
			return nil
		})
	})
	return models, err
}

func readEmbedding(tx *badger.Txn, key []byte) (*core.Embedding, error) {
	val, err := readValue(tx, key)
	if err != nil || val == nil {
		return nil, err
	}
	return storage.UnmarshalEmbedding(val)
}
