package spatial

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/poiesic/atomstore/core"
)

// Snapshot is a model's tree together with the landmark set version its
// coordinates were projected with.
type Snapshot struct {
	ModelID         string
	LandmarkVersion uint64
	Tree            *RTree
}

// Len returns the number of indexed items, or 0 for a nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return s.Tree.Len()
}

// KNearest is RTree.KNearest with each neighbor tagged with the model.
func (s *Snapshot) KNearest(q []float64, k int, filter func(core.AtomID) bool) ([]Neighbor, error) {
	neighbors, err := s.Tree.KNearest(q, k, filter)
	return s.tag(neighbors), err
}

// Range is RTree.Range with each neighbor tagged with the model.
func (s *Snapshot) Range(q []float64, radius float64) ([]Neighbor, error) {
	neighbors, err := s.Tree.Range(q, radius)
	return s.tag(neighbors), err
}

func (s *Snapshot) tag(neighbors []Neighbor) []Neighbor {
	for i := range neighbors {
		neighbors[i].ModelID = s.ModelID
	}
	return neighbors
}

// Catalog holds the current snapshot of every model.
//
// While a model is being rebuilt for a new landmark version, inserts with
// that version are buffered and replayed onto the new tree before it is
// swapped in. Removals apply to the current tree immediately and are
// replayed as well, so a purged atom never reappears.
type Catalog struct {
	logger *slog.Logger

	mu     sync.RWMutex
	models map[string]*modelIndex
}

type modelIndex struct {
	current atomic.Pointer[Snapshot]

	mu         sync.Mutex
	rebuilding uint64
	pending    []pendingOp
}

type pendingOp struct {
	remove bool
	id     core.AtomID
	point  []float64
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCatalog creates an empty catalog.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		logger: slog.Default(),
		models: make(map[string]*modelIndex),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "spatial")
	return c
}

func (c *Catalog) lookup(modelID string) *modelIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models[modelID]
}

func (c *Catalog) index(modelID string) *modelIndex {
	if m := c.lookup(modelID); m != nil {
		return m
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[modelID]
	if !ok {
		m = &modelIndex{}
		c.models[modelID] = m
	}
	return m
}

// Snapshot returns the current snapshot of a model, or nil if it has none.
func (c *Catalog) Snapshot(modelID string) *Snapshot {
	m := c.lookup(modelID)
	if m == nil {
		return nil
	}
	return m.current.Load()
}

// Models returns every model with an index, sorted.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	models := make([]string, 0, len(c.models))
	for modelID, m := range c.models {
		if m.current.Load() != nil {
			models = append(models, modelID)
		}
	}
	slices.Sort(models)
	return models
}

// Insert indexes a coordinate projected with landmark set version.
//
// Inserts for the version being rebuilt are buffered. An insert for a model
// without a tree, or for any version other than its tree's, returns
// core.ErrStaleIndex; the coordinate is not indexed until a rebuild. Only
// a rebuild or Install creates a model's tree, so a tree never holds a
// partial set of coordinates.
func (c *Catalog) Insert(modelID string, version uint64, point []float64, id core.AtomID) error {
	m := c.index(modelID)
	m.mu.Lock()
	defer m.mu.Unlock()

	buffered := false
	if m.rebuilding != 0 && m.rebuilding == version {
		m.pending = append(m.pending, pendingOp{id: id, point: slices.Clone(point)})
		buffered = true
	}

	snap := m.current.Load()
	if snap != nil && snap.LandmarkVersion == version {
		return snap.Tree.Insert(point, id)
	}
	if buffered {
		return nil
	}

	current := uint64(0)
	if snap != nil {
		current = snap.LandmarkVersion
	}
	return fmt.Errorf("%w: model %q is indexed with landmark version %d, coordinate has %d",
		core.ErrStaleIndex, modelID, current, version)
}

// Remove deletes an atom from a model's index.
// Returns true if it was present in the current tree.
func (c *Catalog) Remove(modelID string, id core.AtomID) bool {
	m := c.lookup(modelID)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rebuilding != 0 {
		m.pending = append(m.pending, pendingOp{remove: true, id: id})
	}
	snap := m.current.Load()
	if snap == nil {
		return false
	}
	return snap.Tree.RemoveKey(id)
}

// BeginRebuild starts buffering inserts for a new landmark version.
func (c *Catalog) BeginRebuild(modelID string, version uint64) error {
	m := c.index(modelID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rebuilding != 0 {
		return fmt.Errorf("%w: model %q version %d", ErrRebuildInProgress, modelID, m.rebuilding)
	}
	m.rebuilding = version
	m.pending = nil
	c.logger.Debug("rebuild started", "model", modelID, "version", version)
	return nil
}

// Rebuilding returns the version being rebuilt for a model, if any.
func (c *Catalog) Rebuilding(modelID string) (uint64, bool) {
	m := c.lookup(modelID)
	if m == nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilding, m.rebuilding != 0
}

// CompleteRebuild replays buffered writes onto tree and makes it the
// model's current snapshot.
func (c *Catalog) CompleteRebuild(modelID string, tree *RTree) (*Snapshot, error) {
	m := c.lookup(modelID)
	if m == nil {
		return nil, fmt.Errorf("%w: model %q", ErrNoRebuild, modelID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rebuilding == 0 {
		return nil, fmt.Errorf("%w: model %q", ErrNoRebuild, modelID)
	}
	for _, op := range m.pending {
		if op.remove {
			tree.RemoveKey(op.id)
			continue
		}
		if err := tree.Insert(op.point, op.id); err != nil {
			c.logger.Warn("dropped buffered insert", "model", modelID, "atom", op.id, "error", err)
		}
	}

	snap := &Snapshot{ModelID: modelID, LandmarkVersion: m.rebuilding, Tree: tree}
	m.current.Store(snap)
	c.logger.Info("rebuild complete", "model", modelID, "version", snap.LandmarkVersion,
		"items", tree.Len(), "replayed", len(m.pending))
	m.rebuilding = 0
	m.pending = nil
	return snap, nil
}

// AbortRebuild discards a rebuild in progress. The current tree stays.
func (c *Catalog) AbortRebuild(modelID string) {
	m := c.lookup(modelID)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilding = 0
	m.pending = nil
}

// Install makes snap current unless the model already has a snapshot of
// the same or a newer version. Returns true if snap was installed.
func (c *Catalog) Install(snap *Snapshot) bool {
	m := c.index(snap.ModelID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current.Load(); cur != nil && cur.LandmarkVersion >= snap.LandmarkVersion {
		return false
	}
	m.current.Store(snap)
	return true
}

// Drop forgets a model's index.
func (c *Catalog) Drop(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.models, modelID)
}
