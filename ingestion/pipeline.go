package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/atomstore/ai"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/landmark"
	"github.com/poiesic/atomstore/storage"
)

// DefaultBatchSize is the number of texts embedded per background task.
const DefaultBatchSize = 64

// Projectors supplies the active landmark projector for a model.
type Projectors interface {
	Active(modelID string) *landmark.Projector
}

// Indexer adds projected coordinates to the spatial index.
type Indexer interface {
	Insert(modelID string, version uint64, point []float64, id core.AtomID) error
}

// DuplicateChecker looks for near duplicates of a stored embedding.
type DuplicateChecker interface {
	Check(ctx context.Context, e *core.Embedding) ([]*core.NearDuplicateReport, error)
}

// Item is a piece of content to store, optionally with its embedding.
type Item struct {
	Content  []byte
	Modality core.Modality
	Subtype  string
	// ModelID names the embedding model. Required with Vector, and for text
	// embedded by Ingest.
	ModelID string
	Vector  []float32
}

// TextItem is an Item holding a text token.
func TextItem(text, subtype string) Item {
	return Item{Content: []byte(text), Modality: core.ModalityText, Subtype: subtype}
}

// PayloadItem is an Item holding a typed payload in its canonical encoding.
func PayloadItem(p core.Payload, subtype string) Item {
	return Item{Content: p.Encode(), Modality: p.Modality(), Subtype: subtype}
}

// PutResult describes what Put stored.
type PutResult struct {
	Atom      *core.Atom
	Embedding *core.Embedding
	// Indexed is true when the embedding went into the spatial index. It is
	// false without an active landmark set, or while the index is being
	// rebuilt for a newer one.
	Indexed bool
	Reports []*core.NearDuplicateReport
}

// Pipeline orchestrates the ingestion of content and embeddings.
type Pipeline struct {
	atoms         storage.AtomRepository
	embeddings    storage.EmbeddingRepository
	projectors    Projectors
	index         Indexer
	detector      DuplicateChecker
	embedder      ai.Embedder
	checkpoints   storage.CheckpointRepository
	embeddingPool *ants.Pool
	embeddingProc processor
	batchSize     int
	onColdStart   func(modelID string)
	pending       sync.WaitGroup
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for concurrent processing.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}

		// Release old pool
		if p.embeddingPool != nil {
			p.embeddingPool.Release()
		}

		embeddingPool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.embeddingPool = embeddingPool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithEmbedder enables background embedding of text items.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(p *Pipeline) error {
		p.embedder = embedder
		return nil
	}
}

// WithDuplicateChecker runs near-duplicate detection on every stored embedding.
func WithDuplicateChecker(detector DuplicateChecker) Option {
	return func(p *Pipeline) error {
		p.detector = detector
		return nil
	}
}

// WithCheckpoints records background embedding progress.
func WithCheckpoints(checkpoints storage.CheckpointRepository) Option {
	return func(p *Pipeline) error {
		p.checkpoints = checkpoints
		return nil
	}
}

// WithBatchSize sets how many texts one background task embeds.
func WithBatchSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			return fmt.Errorf("batch size must be positive: %d", size)
		}
		p.batchSize = size
		return nil
	}
}

// WithColdStartHandler sets a callback run whenever an embedding is stored
// for a model that has no active landmark set.
func WithColdStartHandler(fn func(modelID string)) Option {
	return func(p *Pipeline) error {
		p.onColdStart = fn
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(
	atoms storage.AtomRepository,
	embeddings storage.EmbeddingRepository,
	projectors Projectors,
	index Indexer,
	opts ...Option,
) (*Pipeline, error) {
	if atoms == nil {
		return nil, ErrAtomRepositoryRequired
	}
	if embeddings == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}
	if projectors == nil {
		return nil, ErrProjectorsRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	embeddingPool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		atoms:         atoms,
		embeddings:    embeddings,
		projectors:    projectors,
		index:         index,
		embeddingPool: embeddingPool,
		batchSize:     DefaultBatchSize,
		logger:        slog.Default(),
	}

	// Apply options (may override defaults)
	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Close()
			return nil, optErr
		}
	}
	p.logger = p.logger.With("component", "ingestion")

	// Create the processor after options are applied (so it gets final config)
	if p.embedder != nil {
		p.embeddingProc, err = newEmbeddingProcessor(atoms, p.embedder, p.attachVector, p.checkpoints, p.logger)
		if err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// Put stores one item synchronously. When the item carries a vector it is
// stored, projected with the active landmark set, indexed and checked for
// near duplicates before Put returns.
func (p *Pipeline) Put(ctx context.Context, item Item) (*PutResult, error) {
	if item.Vector != nil && item.ModelID == "" {
		return nil, core.ErrEmptyModelID
	}

	atom, err := p.atoms.Upsert(ctx, item.Content, item.Modality, item.Subtype)
	if err != nil {
		return nil, err
	}
	result := &PutResult{Atom: atom}
	if item.Vector == nil {
		return result, nil
	}

	if err := p.attach(ctx, result, item.ModelID, item.Vector); err != nil {
		// undo the reference taken by Upsert
		if _, relErr := p.atoms.Release(ctx, atom.ID); relErr != nil {
			p.logger.Error("error releasing atom after failed put", "atom_id", atom.ID, "err", relErr)
		}
		return nil, err
	}
	return result, nil
}

// attachVector is the background processor's entry into attach.
func (p *Pipeline) attachVector(ctx context.Context, id core.AtomID, modelID string, vector []float32) error {
	return p.attach(ctx, &PutResult{Atom: &core.Atom{ID: id}}, modelID, vector)
}

func (p *Pipeline) attach(ctx context.Context, result *PutResult, modelID string, vector []float32) error {
	e := &core.Embedding{AtomID: result.Atom.ID, ModelID: modelID, Vector: vector}
	if err := p.embeddings.PutEmbeddings(ctx, e); err != nil {
		return err
	}
	result.Embedding = e

	projector := p.projectors.Active(modelID)
	if projector == nil && p.onColdStart != nil {
		p.onColdStart(modelID)
	}
	if projector != nil {
		coord, err := projector.Project(vector)
		if err != nil {
			return err
		}
		coords := map[core.AtomID][]float64{e.AtomID: coord}
		if err := p.embeddings.SetCoordinates(ctx, modelID, projector.Version(), coords); err != nil {
			return err
		}
		e.Coordinate = coord
		e.LandmarkVersion = projector.Version()

		switch err := p.index.Insert(modelID, projector.Version(), coord, e.AtomID); {
		case err == nil:
			result.Indexed = true
		case errors.Is(err, core.ErrStaleIndex):
			// the rebuild for this version reads the stored coordinate
			p.logger.Debug("index is behind the active landmark set",
				"atom_id", e.AtomID, "model", modelID, "landmark_version", projector.Version())
		default:
			return err
		}
	}

	if p.detector != nil {
		reports, err := p.detector.Check(ctx, e)
		if err != nil {
			p.logger.Warn("near-duplicate check failed", "atom_id", e.AtomID, "model", modelID, "err", err)
		}
		result.Reports = reports
	}
	return nil
}

// Ingest stores items and returns their atoms in input order. Items with
// vectors are stored as by Put. Text items without vectors are embedded
// with modelID in the background; call Wait to block until that finishes.
func (p *Pipeline) Ingest(ctx context.Context, modelID string, items ...Item) ([]*core.Atom, error) {
	needsEmbedding := slices.ContainsFunc(items, func(it Item) bool {
		return it.Vector == nil && it.Modality == core.ModalityText
	})
	if needsEmbedding {
		if p.embeddingProc == nil {
			return nil, ErrEmbedderRequired
		}
		if modelID == "" {
			return nil, core.ErrEmptyModelID
		}
	}

	atoms := make([]*core.Atom, 0, len(items))
	var toEmbed []core.AtomID
	queued := make(map[core.AtomID]bool)
	for _, item := range items {
		if item.Vector != nil && item.ModelID == "" {
			item.ModelID = modelID
		}
		result, err := p.Put(ctx, item)
		if err != nil {
			return atoms, err
		}
		atoms = append(atoms, result.Atom)
		if item.Vector == nil && item.Modality == core.ModalityText && !queued[result.Atom.ID] {
			queued[result.Atom.ID] = true
			toEmbed = append(toEmbed, result.Atom.ID)
		}
	}

	for batch := range slices.Chunk(toEmbed, p.batchSize) {
		if err := p.submit(modelID, batch); err != nil {
			return atoms, err
		}
	}
	return atoms, nil
}

func (p *Pipeline) submit(modelID string, ids []core.AtomID) error {
	p.pending.Add(1)
	err := p.embeddingPool.Submit(func() {
		defer p.pending.Done()
		ctx := context.Background()
		if err := p.embeddingProc.process(ctx, modelID, ids...); err != nil {
			p.logger.Error("error processing embeddings", "err", err)
			return
		}
		if err := p.embeddingProc.checkpoint(ctx); err != nil {
			p.logger.Error("error applying embedding checkpoint", "err", err)
		}
	})
	if err != nil {
		p.pending.Done()
		return fmt.Errorf("submitting embedding task: %w", err)
	}
	return nil
}

// Release drops one reference to an atom. It never touches the spatial
// index; unreferenced atoms leave it when garbage collection purges them.
func (p *Pipeline) Release(ctx context.Context, id core.AtomID) (*core.Atom, error) {
	return p.atoms.Release(ctx, id)
}

// Wait blocks until every background task submitted so far has finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Close waits for background work, then releases the worker pool.
// The pipeline should not be used after calling Close.
func (p *Pipeline) Close() {
	p.pending.Wait()
	if p.embeddingPool != nil {
		p.embeddingPool.Release()
	}
}
