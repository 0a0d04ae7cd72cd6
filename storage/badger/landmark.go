package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// ErrInvalidLandmarkSet is returned when a landmark set is malformed.
var ErrInvalidLandmarkSet = errors.New("invalid landmark set")

// LandmarkRepository implements storage.LandmarkRepository for BadgerDB.
type LandmarkRepository struct {
	backend *Backend
}

var _ storage.LandmarkRepository = (*LandmarkRepository)(nil)

// NewLandmarkRepository creates a new LandmarkRepository.
func NewLandmarkRepository(backend *Backend) (*LandmarkRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &LandmarkRepository{backend: backend}, nil
}

// SaveLandmarkSet stores a new set and assigns it the next version.
func (r *LandmarkRepository) SaveLandmarkSet(ctx context.Context, set *core.LandmarkSet) (*core.LandmarkSet, error) {
	if err := validateLandmarkSet(set); err != nil {
		return nil, err
	}

	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		seqKey := makeLandmarkSeqKey(set.ModelID)
		val, err := readValue(tx, seqKey)
		if err != nil {
			return err
		}
		var last uint64
		if val != nil {
			id, err := storage.UnmarshalAtomID(val)
			if err != nil {
				return err
			}
			last = uint64(id)
		}

		set.Version = last + 1
		set.State = core.LandmarkCreated
		set.CreatedAt = now()
		set.UpdatedAt = set.CreatedAt
		if err := tx.Set(seqKey, storage.MarshalAtomID(core.AtomID(set.Version))); err != nil {
			return err
		}
		return tx.Set(makeLandmarkKey(set.ModelID, set.Version), storage.MarshalLandmarkSet(set))
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func validateLandmarkSet(set *core.LandmarkSet) error {
	if set == nil {
		return fmt.Errorf("%w: set is nil", ErrInvalidLandmarkSet)
	}
	if !validName(set.ModelID) {
		return fmt.Errorf("%w: model id %q", ErrInvalidName, set.ModelID)
	}
	if set.Metric != core.MetricCosine && set.Metric != core.MetricEuclidean {
		return fmt.Errorf("%w: %v", core.ErrInvalidMetric, set.Metric)
	}
	if len(set.Landmarks) == 0 {
		return fmt.Errorf("%w: no landmarks", ErrInvalidLandmarkSet)
	}
	for _, l := range set.Landmarks {
		if err := core.CheckDimension(set.ModelID, set.Dimension, len(l)); err != nil {
			return err
		}
	}
	return nil
}

// GetLandmarkSet retrieves one version of a model's landmark set.
func (r *LandmarkRepository) GetLandmarkSet(ctx context.Context, modelID string, version uint64) (*core.LandmarkSet, error) {
	var set *core.LandmarkSet
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		set, err = readLandmarkSet(tx, modelID, version)
		return err
	})
	return set, err
}

// ActiveLandmarkSet returns the active set of a model.
func (r *LandmarkRepository) ActiveLandmarkSet(ctx context.Context, modelID string) (*core.LandmarkSet, error) {
	var set *core.LandmarkSet
	err := r.backend.View(func(tx *badger.Txn) error {
		version, err := readActiveVersion(tx, modelID)
		if err != nil {
			return err
		}
		if version == 0 {
			return fmt.Errorf("%w: no active landmark set for model %q", storage.ErrNotFound, modelID)
		}
		set, err = readLandmarkSet(tx, modelID, version)
		return err
	})
	return set, err
}

// ActiveLandmarkSets returns the active set of every model.
func (r *LandmarkRepository) ActiveLandmarkSets(ctx context.Context) ([]*core.LandmarkSet, error) {
	var sets []*core.LandmarkSet
	err := r.backend.View(func(tx *badger.Txn) error {
		type pointer struct {
			modelID string
			version uint64
		}
		var pointers []pointer
		err := forEachValue(tx, []byte(landmarkActive), func(key, val []byte) error {
			id, err := storage.UnmarshalAtomID(val)
			if err != nil {
				return err
			}
			pointers = append(pointers, pointer{string(key[len(landmarkActive):]), uint64(id)})
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range pointers {
			set, err := readLandmarkSet(tx, p.modelID, p.version)
			if err != nil {
				return err
			}
			sets = append(sets, set)
		}
		return nil
	})
	return sets, err
}

// ActivateLandmarkSet makes a version active and retires the previous one.
func (r *LandmarkRepository) ActivateLandmarkSet(ctx context.Context, modelID string, version uint64) (*core.LandmarkSet, error) {
	var result *core.LandmarkSet
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		set, err := readLandmarkSet(tx, modelID, version)
		if err != nil {
			return err
		}
		ts := now()

		current, err := readActiveVersion(tx, modelID)
		if err != nil {
			return err
		}
		if current != 0 && current != version {
			prev, err := readLandmarkSet(tx, modelID, current)
			if err != nil {
				return err
			}
			prev.State = core.LandmarkRetired
			prev.UpdatedAt = ts
			if err := tx.Set(makeLandmarkKey(modelID, current), storage.MarshalLandmarkSet(prev)); err != nil {
				return err
			}
		}

		set.State = core.LandmarkActive
		set.UpdatedAt = ts
		if err := tx.Set(makeLandmarkKey(modelID, version), storage.MarshalLandmarkSet(set)); err != nil {
			return err
		}
		if err := tx.Set(makeLandmarkActiveKey(modelID), storage.MarshalAtomID(core.AtomID(version))); err != nil {
			return err
		}
		result = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListLandmarkSets returns all sets of a model, oldest first.
func (r *LandmarkRepository) ListLandmarkSets(ctx context.Context, modelID string) ([]*core.LandmarkSet, error) {
	var sets []*core.LandmarkSet
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachValue(tx, makePartialLandmarkKey(modelID), func(_, val []byte) error {
			set, err := storage.UnmarshalLandmarkSet(val)
			if err != nil {
				return err
			}
			sets = append(sets, set)
			return nil
		})
	})
	return sets, err
}

// DeleteLandmarkSet removes a set that is not active.
func (r *LandmarkRepository) DeleteLandmarkSet(ctx context.Context, modelID string, version uint64) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		current, err := readActiveVersion(tx, modelID)
		if err != nil {
			return err
		}
		if current == version {
			return fmt.Errorf("%w: model %q version %d is active", storage.ErrLandmarkSetInUse, modelID, version)
		}
		key := makeLandmarkKey(modelID, version)
		ok, err := exists(tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: landmark set %q version %d", storage.ErrNotFound, modelID, version)
		}
		return tx.Delete(key)
	})
}

func readLandmarkSet(tx *badger.Txn, modelID string, version uint64) (*core.LandmarkSet, error) {
	val, err := readValue(tx, makeLandmarkKey(modelID, version))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, fmt.Errorf("%w: landmark set %q version %d", storage.ErrNotFound, modelID, version)
	}
	return storage.UnmarshalLandmarkSet(val)
}

// readActiveVersion returns 0 if the model has no active set.
func readActiveVersion(tx *badger.Txn, modelID string) (uint64, error) {
	val, err := readValue(tx, makeLandmarkActiveKey(modelID))
	if err != nil || val == nil {
		return 0, err
	}
	id, err := storage.UnmarshalAtomID(val)
	return uint64(id), err
}
