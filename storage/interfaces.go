package storage

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/poiesic/atomstore/core"
)

// AtomRepository owns atom rows, their version history and the content hash
// index. Content hash equality is treated as content equality.
type AtomRepository interface {
	// Upsert stores content as an atom. If a current atom with the same
	// content hash exists its reference count is incremented and it is
	// returned unchanged otherwise. Concurrent upserts of identical content
	// resolve to a single atom.
	Upsert(ctx context.Context, content []byte, modality core.Modality, subtype string) (*core.Atom, error)

	// Release decrements the reference count. At zero the atom becomes a
	// garbage collection candidate; nothing is deleted here.
	// Returns core.ErrRefCountUnderflow if the count is already zero.
	Release(ctx context.Context, id core.AtomID) (*core.Atom, error)

	// GetAtom retrieves the current state of an atom.
	// Returns ErrNotFound if the atom doesn't exist.
	GetAtom(ctx context.Context, id core.AtomID) (*core.Atom, error)

	// GetAtoms retrieves multiple atoms by their IDs.
	// Returns only the atoms that exist (no error for missing atoms).
	GetAtoms(ctx context.Context, ids ...core.AtomID) ([]*core.Atom, error)

	// FindByHash returns the current atom holding the given content hash.
	// Returns ErrNotFound if no current atom has it.
	FindByHash(ctx context.Context, hash core.ContentHash) (*core.Atom, error)

	// GetAt returns the version of an atom that was valid at asOf.
	// Returns ErrNotFound if no version covers asOf.
	GetAt(ctx context.Context, id core.AtomID, asOf time.Time) (*core.AtomVersion, error)

	// History returns every version of an atom, oldest first.
	History(ctx context.Context, id core.AtomID) ([]*core.AtomVersion, error)

	// Mutate closes the current version and opens a new one holding content.
	// The atom id is stable; only the version changes. Mutating to content
	// owned by another current atom fails with *core.ContentExistsError.
	Mutate(ctx context.Context, id core.AtomID, content []byte) (*core.Atom, error)

	// Content returns the bytes of one version, inline or from the blob store.
	Content(ctx context.Context, version *core.AtomVersion) ([]byte, error)

	// GCCandidates lists atoms whose reference count reached zero before
	// zeroedBefore, oldest first, up to limit (0 means no limit).
	GCCandidates(ctx context.Context, zeroedBefore time.Time, limit int) ([]core.AtomID, error)

	// Purge hard deletes an atom that is still unreferenced and was zeroed
	// before zeroedBefore, together with its versions, indices, embeddings,
	// edges, reports and blobs. Returns ErrNotEligible if the atom was
	// revived in the meantime.
	Purge(ctx context.Context, id core.AtomID, zeroedBefore time.Time) (*PurgeResult, error)

	// ModalityBitmap returns the ids of all current atoms of a modality.
	ModalityBitmap(ctx context.Context, modality core.Modality) (*roaring64.Bitmap, error)

	// CountAtoms returns the number of atoms, referenced or not.
	CountAtoms(ctx context.Context) (int, error)

	// Close releases resources held by the repository.
	Close() error
}

// PurgeResult describes what a purge removed.
type PurgeResult struct {
	AtomID core.AtomID
	// Models lists the models whose embedding for the atom was removed.
	// Spatial index entries for these models must be removed as well.
	Models   []string
	Versions int
	Blobs    int
	Edges    int
}

// EmbeddingRepository stores one vector per (atom, model) pair together
// with its projected coordinate.
type EmbeddingRepository interface {
	// PutEmbeddings inserts or replaces embeddings. The owning atom must
	// exist. The first embedding of a model fixes its dimension; later
	// vectors of another length fail with *core.DimensionMismatchError.
	// A replaced vector drops its coordinate unless a new one is supplied.
	PutEmbeddings(ctx context.Context, embeddings ...*core.Embedding) error

	// GetEmbedding returns ErrNotFound if the pair doesn't exist.
	GetEmbedding(ctx context.Context, atomID core.AtomID, modelID string) (*core.Embedding, error)

	// GetEmbeddings returns the embeddings of the given atoms for one model
	// in the order of ids, skipping atoms without one.
	GetEmbeddings(ctx context.Context, modelID string, ids ...core.AtomID) ([]*core.Embedding, error)

	// EmbeddingsForAtom returns every model's embedding of an atom.
	EmbeddingsForAtom(ctx context.Context, atomID core.AtomID) ([]*core.Embedding, error)

	// DeleteEmbedding removes one embedding.
	// Returns ErrNotFound if the pair doesn't exist.
	DeleteEmbedding(ctx context.Context, atomID core.AtomID, modelID string) error

	// ForEachEmbedding visits a model's embeddings in atom id order,
	// starting after the given id (0 visits all). Returning an error from
	// fn stops the iteration and is returned.
	ForEachEmbedding(ctx context.Context, modelID string, after core.AtomID, fn func(*core.Embedding) error) error

	// SetCoordinates records projected coordinates computed with the given
	// landmark set version. Embeddings deleted in the meantime are skipped.
	SetCoordinates(ctx context.Context, modelID string, landmarkVersion uint64, coords map[core.AtomID][]float64) error

	// CountEmbeddings returns the number of embeddings stored for a model.
	CountEmbeddings(ctx context.Context, modelID string) (int, error)

	// LandmarkVersionsInUse counts a model's embeddings per recorded
	// landmark set version. Unprojected embeddings are not counted.
	LandmarkVersionsInUse(ctx context.Context, modelID string) (map[uint64]int, error)

	// ModelInfo returns ErrNotFound for a model that has no embeddings yet.
	ModelInfo(ctx context.Context, modelID string) (*core.ModelInfo, error)

	// Models lists every known model.
	Models(ctx context.Context) ([]*core.ModelInfo, error)
}

// LandmarkRepository stores versioned landmark sets and the active pointer
// of each model.
type LandmarkRepository interface {
	// SaveLandmarkSet stores a new set in the Created state and assigns
	// it the next version for its model.
	SaveLandmarkSet(ctx context.Context, set *core.LandmarkSet) (*core.LandmarkSet, error)

	// GetLandmarkSet returns ErrNotFound if the version doesn't exist.
	GetLandmarkSet(ctx context.Context, modelID string, version uint64) (*core.LandmarkSet, error)

	// ActiveLandmarkSet returns ErrNotFound if the model has no active set.
	ActiveLandmarkSet(ctx context.Context, modelID string) (*core.LandmarkSet, error)

	// ActiveLandmarkSets returns the active set of every model.
	ActiveLandmarkSets(ctx context.Context) ([]*core.LandmarkSet, error)

	// ActivateLandmarkSet makes a version active and retires the
	// previously active one in the same transaction.
	ActivateLandmarkSet(ctx context.Context, modelID string, version uint64) (*core.LandmarkSet, error)

	// ListLandmarkSets returns all sets of a model, oldest first.
	ListLandmarkSets(ctx context.Context, modelID string) ([]*core.LandmarkSet, error)

	// DeleteLandmarkSet removes a set that is not active.
	// Returns ErrLandmarkSetInUse for the active set.
	DeleteLandmarkSet(ctx context.Context, modelID string, version uint64) error
}

// RelationRepository stores directed edges between atoms in a separate
// adjacency table. Edges never affect reference counts.
type RelationRepository interface {
	// AddEdges stores edges; both endpoints must exist.
	AddEdges(ctx context.Context, edges ...*core.Edge) error

	// RemoveEdge deletes one edge. Removing a missing edge is not an error.
	RemoveEdge(ctx context.Context, from core.AtomID, kind core.EdgeKind, to core.AtomID) error

	// Outgoing returns edges leaving an atom; an empty kind matches all kinds.
	Outgoing(ctx context.Context, from core.AtomID, kind core.EdgeKind) ([]*core.Edge, error)

	// Incoming returns edges arriving at an atom; an empty kind matches all kinds.
	Incoming(ctx context.Context, to core.AtomID, kind core.EdgeKind) ([]*core.Edge, error)
}

// ReportRepository stores near-duplicate reports. Reports are informational
// and never merge atoms.
type ReportRepository interface {
	// SaveReports stores reports, assigning ids where missing. A report for
	// a pair that was already reported for the same model replaces it.
	SaveReports(ctx context.Context, reports ...*core.NearDuplicateReport) error

	// ReportsForAtom returns reports naming the atom on either side.
	ReportsForAtom(ctx context.Context, atomID core.AtomID) ([]*core.NearDuplicateReport, error)

	// ListReports returns up to limit reports (0 means no limit).
	ListReports(ctx context.Context, limit int) ([]*core.NearDuplicateReport, error)
}

// CheckpointRepository persists progress of background processors.
type CheckpointRepository interface {
	// SaveCheckpoint persists a checkpoint for a processor type.
	SaveCheckpoint(ctx context.Context, checkpoint *core.Checkpoint) error

	// LoadCheckpoint returns nil, nil if no checkpoint exists.
	LoadCheckpoint(ctx context.Context, processorType string) (*core.Checkpoint, error)

	// DeleteCheckpoint removes a checkpoint once a run has completed.
	DeleteCheckpoint(ctx context.Context, processorType string) error
}
