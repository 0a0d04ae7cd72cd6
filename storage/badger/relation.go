package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// RelationRepository implements storage.RelationRepository for BadgerDB.
// Each edge is written twice, under its source and under its target, so both
// directions can be listed with a prefix scan.
type RelationRepository struct {
	backend *Backend
}

var _ storage.RelationRepository = (*RelationRepository)(nil)

// NewRelationRepository creates a new RelationRepository.
func NewRelationRepository(backend *Backend) (*RelationRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &RelationRepository{backend: backend}, nil
}

// AddEdges stores edges between existing atoms.
func (r *RelationRepository) AddEdges(ctx context.Context, edges ...*core.Edge) error {
	for _, e := range edges {
		if !validName(string(e.Kind)) {
			return fmt.Errorf("%w: edge kind %q", ErrInvalidName, e.Kind)
		}
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		ts := now()
		for _, e := range edges {
			for _, id := range []core.AtomID{e.From, e.To} {
				ok, err := atomExists(tx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: atom %d", storage.ErrNotFound, id)
				}
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = ts
			}
			val := storage.MarshalEdge(e)
			if err := tx.Set(makeRelationKey(e.From, e.Kind, e.To), val); err != nil {
				return err
			}
			if err := tx.Set(makeRelationRevKey(e.To, e.Kind, e.From), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveEdge deletes one edge.
func (r *RelationRepository) RemoveEdge(ctx context.Context, from core.AtomID, kind core.EdgeKind, to core.AtomID) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		if err := tx.Delete(makeRelationKey(from, kind, to)); err != nil {
			return err
		}
		return tx.Delete(makeRelationRevKey(to, kind, from))
	})
}

// Outgoing returns edges leaving an atom.
func (r *RelationRepository) Outgoing(ctx context.Context, from core.AtomID, kind core.EdgeKind) ([]*core.Edge, error) {
	return r.scan(makePartialRelationKey(relationPrefix, from, kind))
}

// Incoming returns edges arriving at an atom.
func (r *RelationRepository) Incoming(ctx context.Context, to core.AtomID, kind core.EdgeKind) ([]*core.Edge, error) {
	return r.scan(makePartialRelationKey(relationRevPrefix, to, kind))
}

func (r *RelationRepository) scan(prefix []byte) ([]*core.Edge, error) {
	var edges []*core.Edge
	err := r.backend.View(func(tx *badger.Txn) error {
		return forEachValue(tx, prefix, func(_, val []byte) error {
			e, err := storage.UnmarshalEdge(val)
			if err != nil {
				return err
			}
			edges = append(edges, e)
			return nil
		})
	})
	return edges, err
}
