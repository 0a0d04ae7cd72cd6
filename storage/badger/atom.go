// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/atomstore/blob"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// AtomRepository implements storage.AtomRepository for BadgerDB.
//
// Deduplication relies on optimistic transactions: every upsert reads the
// content hash index, so two writers inserting the same new content conflict
// on commit and the loser retries, finding the winner's atom.
type AtomRepository struct {
	backend *Backend
	idSeq   *badger.Sequence
	blobs   blob.Store
	clock   func() time.Time
	logger  *slog.Logger
}

var _ storage.AtomRepository = (*AtomRepository)(nil)

// AtomOption configures an AtomRepository.
type AtomOption func(*AtomRepository) error

// WithBlobStore sets where referenced (non-inline) content is written.
// Defaults to a zstd compressed BlobStore on the same backend.
func WithBlobStore(store blob.Store) AtomOption {
	return func(r *AtomRepository) error {
		if store != nil {
			r.blobs = store
		}
		return nil
	}
}

// WithClock overrides the time source used for validity intervals and
// reference count bookkeeping.
func WithClock(clock func() time.Time) AtomOption {
	return func(r *AtomRepository) error {
		if clock != nil {
			r.clock = func() time.Time {
				return clock().UTC().Truncate(time.Microsecond)
			}
		}
		return nil
	}
}

// NewAtomRepository creates a new AtomRepository.
func NewAtomRepository(backend *Backend, opts ...AtomOption) (*AtomRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	idSeq, err := backend.GetSequence(atomIDSeq)
	if err != nil {
		return nil, err
	}

	r := &AtomRepository{
		backend: backend,
		idSeq:   idSeq,
		clock:   now,
		logger:  backend.logger.With("component", "atoms"),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			idSeq.Release()
			return nil, err
		}
	}
	if r.blobs == nil {
		r.blobs = blob.NewCompressedStore(NewBlobStore(backend), blob.CodecZstd)
	}
	return r, nil
}

// Close releases the ID sequence.
func (r *AtomRepository) Close() error {
	return r.idSeq.Release()
}

// Blobs returns the store holding referenced content.
func (r *AtomRepository) Blobs() blob.Store {
	return r.blobs
}

// Upsert stores content as an atom or references the existing one.
func (r *AtomRepository) Upsert(ctx context.Context, content []byte, modality core.Modality, subtype string) (*core.Atom, error) {
	if err := core.ValidateContent(modality, content); err != nil {
		return nil, err
	}
	hash := core.HashContent(modality, content)

	var (
		result  *core.Atom
		written []string
	)
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		result = nil

		owner, err := readAtomID(tx, makeAtomHashKey(hash))
		if err != nil {
			return err
		}
		if owner != 0 {
			atom, err := readAtom(tx, makeAtomKey(owner))
			if err != nil {
				return err
			}
			if atom == nil {
				return fmt.Errorf("%w: hash index points at missing atom %d", storage.ErrNotFound, owner)
			}
			if err := r.reference(tx, atom); err != nil {
				return err
			}
			result = atom
			return nil
		}

		id, err := nextID(r.idSeq)
		if err != nil {
			return err
		}
		ts := r.clock()
		atom := &core.Atom{
			ID:          core.AtomID(id),
			ContentHash: hash,
			Modality:    modality,
			Subtype:     subtype,
			Size:        int64(len(content)),
			RefCount:    1,
			Version:     1,
			ValidFrom:   ts,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if err := r.storeContent(ctx, atom, content, &written); err != nil {
			return err
		}
		if err := writeVersion(tx, atom.CurrentVersion()); err != nil {
			return err
		}
		if err := tx.Set(makeAtomHashKey(hash), storage.MarshalAtomID(atom.ID)); err != nil {
			return err
		}
		if err := tx.Set(makeAtomModalityKey(modality, atom.ID), nil); err != nil {
			return err
		}
		if err := writeAtom(tx, atom); err != nil {
			return err
		}
		result = atom
		return nil
	})

	r.dropUnused(written, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reference increments the reference count of an existing atom, reviving it
// if it was waiting for garbage collection.
func (r *AtomRepository) reference(tx *badger.Txn, atom *core.Atom) error {
	if atom.RefCount == 0 && !atom.ZeroedAt.IsZero() {
		if err := tx.Delete(makeGCKey(atom.ZeroedAt.UnixMicro(), atom.ID)); err != nil {
			return err
		}
		atom.ZeroedAt = time.Time{}
	}
	atom.RefCount++
	atom.UpdatedAt = r.clock()
	return writeAtom(tx, atom)
}

// storeContent puts content inline or in the blob store. Blob keys written
// are appended to written so that attempts that never commit can be undone.
func (r *AtomRepository) storeContent(ctx context.Context, atom *core.Atom, content []byte, written *[]string) error {
	if len(content) <= core.InlineLimit {
		atom.Inline = nil
		if len(content) > 0 {
			atom.Inline = bytes.Clone(content)
		}
		return nil
	}
	atom.Inline = nil
	key := blob.AtomKey(atom.ID, atom.Version)
	if err := r.blobs.Put(ctx, key, content); err != nil {
		return fmt.Errorf("failed to store content of atom %d: %w", atom.ID, err)
	}
	*written = append(*written, key)
	return nil
}

// dropUnused deletes blobs written by transaction attempts that did not
// produce the committed result.
func (r *AtomRepository) dropUnused(written []string, result *core.Atom, err error) {
	keep := ""
	if err == nil && result != nil && !result.IsInline() {
		keep = blob.AtomKey(result.ID, result.Version)
	}
	for _, key := range written {
		if key == keep {
			continue
		}
		if delErr := r.blobs.Delete(context.Background(), key); delErr != nil {
			r.logger.Warn("failed to delete orphaned blob", "key", key, "error", delErr)
		}
	}
}

// Release decrements the reference count of an atom.
func (r *AtomRepository) Release(ctx context.Context, id core.AtomID) (*core.Atom, error) {
	var result *core.Atom
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		atom, err := readAtom(tx, makeAtomKey(id))
		if err != nil {
			return err
		}
		if atom == nil {
			return fmt.Errorf("%w: atom %d", storage.ErrNotFound, id)
		}
		if atom.RefCount <= 0 {
			return fmt.Errorf("%w: atom %d", core.ErrRefCountUnderflow, id)
		}

		atom.RefCount--
		atom.UpdatedAt = r.clock()
		if atom.RefCount == 0 {
			atom.ZeroedAt = atom.UpdatedAt
			if err := tx.Set(makeGCKey(atom.ZeroedAt.UnixMicro(), id), nil); err != nil {
				return err
			}
		}
		if err := writeAtom(tx, atom); err != nil {
			return err
		}
		result = atom
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAtom retrieves the current state of an atom.
func (r *AtomRepository) GetAtom(ctx context.Context, id core.AtomID) (*core.Atom, error) {
	var result *core.Atom
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		result, err = readAtom(tx, makeAtomKey(id))
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("%w: atom %d", storage.ErrNotFound, id)
		}
		return nil
	})
	return result, err
}

// GetAtoms retrieves multiple atoms by their IDs.
func (r *AtomRepository) GetAtoms(ctx context.Context, ids ...core.AtomID) ([]*core.Atom, error) {
	results := make([]*core.Atom, 0, len(ids))
	err := r.backend.View(func(tx *badger.Txn) error {
		for _, id := range ids {
			atom, err := readAtom(tx, makeAtomKey(id))
			if err != nil {
				return err
			}
			if atom != nil {
				results = append(results, atom)
			}
		}
		return nil
	})
	return results, err
}

// FindByHash returns the current atom holding a content hash.
func (r *AtomRepository) FindByHash(ctx context.Context, hash core.ContentHash) (*core.Atom, error) {
	var result *core.Atom
	err := r.backend.View(func(tx *badger.Txn) error {
		id, err := readAtomID(tx, makeAtomHashKey(hash))
		if err != nil {
			return err
		}
		if id != 0 {
			result, err = readAtom(tx, makeAtomKey(id))
			if err != nil {
				return err
			}
		}
		if result == nil {
			return fmt.Errorf("%w: content hash %s", storage.ErrNotFound, hash)
		}
		return nil
	})
	return result, err
}

// GetAt returns the version that was valid at asOf.
func (r *AtomRepository) GetAt(ctx context.Context, id core.AtomID, asOf time.Time) (*core.AtomVersion, error) {
	var result *core.AtomVersion
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachValue(tx, makePartialAtomVersionKey(id), func(_, val []byte) error {
			if result != nil {
				return nil
			}
			v, err := storage.UnmarshalAtomVersion(val)
			if err != nil {
				return err
			}
			if v.ValidAt(asOf) {
				result = v
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: atom %d has no version valid at %s", storage.ErrNotFound, id, asOf.Format(time.RFC3339Nano))
	}
	return result, nil
}

// History returns every version of an atom, oldest first.
func (r *AtomRepository) History(ctx context.Context, id core.AtomID) ([]*core.AtomVersion, error) {
	var versions []*core.AtomVersion
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachValue(tx, makePartialAtomVersionKey(id), func(_, val []byte) error {
			v, err := storage.UnmarshalAtomVersion(val)
			if err != nil {
				return err
			}
			versions = append(versions, v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: atom %d", storage.ErrNotFound, id)
	}
	return versions, nil
}

// Mutate replaces the content of an atom with a new version.
func (r *AtomRepository) Mutate(ctx context.Context, id core.AtomID, content []byte) (*core.Atom, error) {
	var (
		result  *core.Atom
		written []string
	)
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		result = nil

		atom, err := readAtom(tx, makeAtomKey(id))
		if err != nil {
			return err
		}
		if atom == nil {
			return fmt.Errorf("%w: atom %d", storage.ErrNotFound, id)
		}
		if err := core.ValidateContent(atom.Modality, content); err != nil {
			return err
		}

		hash := core.HashContent(atom.Modality, content)
		if hash == atom.ContentHash {
			result = atom
			return nil
		}
		owner, err := readAtomID(tx, makeAtomHashKey(hash))
		if err != nil {
			return err
		}
		if owner != 0 && owner != id {
			return &core.ContentExistsError{Owner: owner}
		}

		prev, err := readVersion(tx, makeAtomVersionKey(id, atom.Version))
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("%w: atom %d version %d", storage.ErrNotFound, id, atom.Version)
		}

		// Versions are strictly ordered: the new one starts after the old one.
		ts := r.clock()
		if !ts.After(prev.ValidFrom) {
			ts = prev.ValidFrom.Add(time.Microsecond)
		}
		prev.ValidTo = ts
		if err := writeVersion(tx, prev); err != nil {
			return err
		}

		if err := tx.Delete(makeAtomHashKey(atom.ContentHash)); err != nil {
			return err
		}
		atom.ContentHash = hash
		atom.Version++
		atom.Size = int64(len(content))
		atom.ValidFrom = ts
		atom.UpdatedAt = ts
		if err := r.storeContent(ctx, atom, content, &written); err != nil {
			return err
		}
		if err := writeVersion(tx, atom.CurrentVersion()); err != nil {
			return err
		}
		if err := tx.Set(makeAtomHashKey(hash), storage.MarshalAtomID(id)); err != nil {
			return err
		}
		if err := writeAtom(tx, atom); err != nil {
			return err
		}
		result = atom
		return nil
	})

	r.dropUnused(written, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Content returns the bytes of one version.
func (r *AtomRepository) Content(ctx context.Context, version *core.AtomVersion) ([]byte, error) {
	if version.Size <= core.InlineLimit {
		return bytes.Clone(version.Inline), nil
	}
	data, err := r.blobs.Get(ctx, blob.AtomKey(version.AtomID, version.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to load content of atom %d version %d: %w", version.AtomID, version.Version, err)
	}
	return data, nil
}

// GCCandidates lists atoms unreferenced since before zeroedBefore.
func (r *AtomRepository) GCCandidates(ctx context.Context, zeroedBefore time.Time, limit int) ([]core.AtomID, error) {
	cutoff := zeroedBefore.UnixMicro()
	var ids []core.AtomID
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(gcQueuePrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			zeroedAt, id := parseGCKey(iter.Item().Key())
			// Keys are ordered by zero time, so everything after is newer
			if zeroedAt >= cutoff {
				break
			}
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	return ids, err
}

// Purge hard deletes an unreferenced atom and everything owned by it.
func (r *AtomRepository) Purge(ctx context.Context, id core.AtomID, zeroedBefore time.Time) (*storage.PurgeResult, error) {
	var (
		result   *storage.PurgeResult
		blobKeys []string
	)
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		result = &storage.PurgeResult{AtomID: id}
		blobKeys = blobKeys[:0]

		atom, err := readAtom(tx, makeAtomKey(id))
		if err != nil {
			return err
		}
		if atom == nil {
			return fmt.Errorf("%w: atom %d", storage.ErrNotFound, id)
		}
		if atom.RefCount > 0 || atom.ZeroedAt.IsZero() || !atom.ZeroedAt.Before(zeroedBefore) {
			return fmt.Errorf("%w: atom %d", storage.ErrNotEligible, id)
		}

		var deletes [][]byte
		err = forEachValue(tx, makePartialAtomVersionKey(id), func(key, val []byte) error {
			v, err := storage.UnmarshalAtomVersion(val)
			if err != nil {
				return err
			}
			if v.Size > core.InlineLimit {
				blobKeys = append(blobKeys, blob.AtomKey(id, v.Version))
			}
			deletes = append(deletes, bytes.Clone(key))
			result.Versions++
			return nil
		})
		if err != nil {
			return err
		}

		owner, err := readAtomID(tx, makeAtomHashKey(atom.ContentHash))
		if err != nil {
			return err
		}
		if owner == id {
			deletes = append(deletes, makeAtomHashKey(atom.ContentHash))
		}
		deletes = append(deletes,
			makeAtomKey(id),
			makeAtomModalityKey(atom.Modality, id),
			makeGCKey(atom.ZeroedAt.UnixMicro(), id),
		)

		// Embeddings are owned by the atom
		err = forEachKey(tx, makePartialEmbeddingAtomKey(id), func(key []byte) error {
			modelID := string(key[len(embeddingAtomPrefix)+8:])
			result.Models = append(result.Models, modelID)
			deletes = append(deletes, bytes.Clone(key), makeEmbeddingKey(modelID, id))
			return nil
		})
		if err != nil {
			return err
		}

		edgeDeletes, err := edgeKeysOf(tx, id)
		if err != nil {
			return err
		}
		result.Edges = len(edgeDeletes) / 2
		deletes = append(deletes, edgeDeletes...)

		reportDeletes, err := reportKeysOf(tx, id)
		if err != nil {
			return err
		}
		deletes = append(deletes, reportDeletes...)

		for _, key := range deletes {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, key := range blobKeys {
		if err := r.blobs.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to delete blob of purged atom", "atom", id, "key", key, "error", err)
			continue
		}
		result.Blobs++
	}
	r.logger.Debug("purged atom", "atom", id, "versions", result.Versions, "models", len(result.Models))
	return result, nil
}

// ModalityBitmap returns the ids of all atoms of a modality.
func (r *AtomRepository) ModalityBitmap(ctx context.Context, modality core.Modality) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachKey(tx, makePartialAtomModalityKey(modality), func(key []byte) error {
			bm.Add(uint64(idSuffix(key)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bm, nil
}

// CountAtoms returns the number of atom rows.
func (r *AtomRepository) CountAtoms(ctx context.Context) (int, error) {
	count := 0
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachKey(tx, []byte(atomPrefix), func([]byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// Helper methods

func readAtom(tx *badger.Txn, key []byte) (*core.Atom, error) {
	val, err := readValue(tx, key)
	if err != nil || val == nil {
		return nil, err
	}
	return storage.UnmarshalAtom(val)
}

func writeAtom(tx *badger.Txn, atom *core.Atom) error {
	return tx.Set(makeAtomKey(atom.ID), storage.MarshalAtom(atom))
}

func readVersion(tx *badger.Txn, key []byte) (*core.AtomVersion, error) {
	val, err := readValue(tx, key)
	if err != nil || val == nil {
		return nil, err
	}
	return storage.UnmarshalAtomVersion(val)
}

func writeVersion(tx *badger.Txn, v *core.AtomVersion) error {
	return tx.Set(makeAtomVersionKey(v.AtomID, v.Version), storage.MarshalAtomVersion(v))
}

// readAtomID returns 0 if the key doesn't exist.
func readAtomID(tx *badger.Txn, key []byte) (core.AtomID, error) {
	val, err := readValue(tx, key)
	if err != nil || val == nil {
		return 0, err
	}
	return storage.UnmarshalAtomID(val)
}

// atomExists reports whether an atom row exists.
func atomExists(tx *badger.Txn, id core.AtomID) (bool, error) {
	return exists(tx, makeAtomKey(id))
}

// edgeKeysOf returns forward and reverse keys of every edge touching id.
func edgeKeysOf(tx *badger.Txn, id core.AtomID) ([][]byte, error) {
	var keys [][]byte
	collect := func(prefix string, reverse string) error {
		return forEachKey(tx, makePartialRelationKey(prefix, id, ""), func(key []byte) error {
			kind, other := parseRelationKey(key, prefix)
			keys = append(keys, bytes.Clone(key))
			if reverse == relationRevPrefix {
				keys = append(keys, makeRelationRevKey(other, kind, id))
			} else {
				keys = append(keys, makeRelationKey(other, kind, id))
			}
			return nil
		})
	}
	if err := collect(relationPrefix, relationRevPrefix); err != nil {
		return nil, err
	}
	if err := collect(relationRevPrefix, relationPrefix); err != nil {
		return nil, err
	}
	return keys, nil
}

// parseRelationKey extracts the kind and the far endpoint of an edge key.
func parseRelationKey(key []byte, prefix string) (core.EdgeKind, core.AtomID) {
	rest := key[len(prefix)+8:]
	kind := rest[:len(rest)-9]
	return core.EdgeKind(kind), core.AtomID(binary.BigEndian.Uint64(rest[len(rest)-8:]))
}

// reportKeysOf returns forward and reverse keys of every report naming id.
func reportKeysOf(tx *badger.Txn, id core.AtomID) ([][]byte, error) {
	var keys [][]byte
	err := forEachKey(tx, makePartialReportKey(reportPrefix, id), func(key []byte) error {
		atomID, candidateID, modelID := parseReportKey(key, reportPrefix)
		keys = append(keys, bytes.Clone(key), makeReportRevKey(candidateID, atomID, modelID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = forEachKey(tx, makePartialReportKey(reportRevPrefix, id), func(key []byte) error {
		candidateID, atomID, modelID := parseReportKey(key, reportRevPrefix)
		keys = append(keys, bytes.Clone(key), makeReportKey(atomID, candidateID, modelID))
		return nil
	})
	return keys, err
}

func parseReportKey(key []byte, prefix string) (core.AtomID, core.AtomID, string) {
	rest := key[len(prefix):]
	return core.AtomID(binary.BigEndian.Uint64(rest)),
		core.AtomID(binary.BigEndian.Uint64(rest[8:])),
		string(rest[16:])
}
