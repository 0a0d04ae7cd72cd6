package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/poiesic/atomstore/ai"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// EmbeddingProcessorType names the checkpoint written by the embedding processor.
const EmbeddingProcessorType = "ingestion.embeddings"

// attachFunc stores a vector for an atom and makes it searchable.
type attachFunc func(ctx context.Context, id core.AtomID, modelID string, vector []float32) error

// embeddingProcessor generates embeddings for text atoms.
type embeddingProcessor struct {
	atoms       storage.AtomRepository
	embedder    ai.Embedder
	attach      attachFunc
	checkpoints storage.CheckpointRepository
	logger      *slog.Logger

	mu     sync.Mutex
	lastID core.AtomID
	saved  core.AtomID
}

var _ processor = (*embeddingProcessor)(nil)

// newEmbeddingProcessor creates a new embedding processor.
func newEmbeddingProcessor(
	atoms storage.AtomRepository,
	embedder ai.Embedder,
	attach attachFunc,
	checkpoints storage.CheckpointRepository,
	logger *slog.Logger,
) (*embeddingProcessor, error) {
	if atoms == nil {
		return nil, ErrAtomRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &embeddingProcessor{
		atoms:       atoms,
		embedder:    embedder,
		attach:      attach,
		checkpoints: checkpoints,
		logger:      logger.With("processor", "embeddings"),
	}, nil
}

// process embeds the text of the specified atoms.
func (ep *embeddingProcessor) process(ctx context.Context, modelID string, ids ...core.AtomID) error {
	ep.logger.Info("processing atoms for embeddings", "atoms", len(ids), "model", modelID)

	// Sort first so checkpointing works correctly
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	atoms, err := ep.atoms.GetAtoms(ctx, ids...)
	if err != nil {
		ep.logger.Error("error retrieving atoms", "err", err)
		return err
	}

	var (
		texts  = make([]string, 0, len(atoms))
		textID = make([]core.AtomID, 0, len(atoms))
	)
	for _, atom := range atoms {
		if atom.Modality != core.ModalityText {
			continue
		}
		content, err := ep.atoms.Content(ctx, atom.CurrentVersion())
		if err != nil {
			return fmt.Errorf("reading atom %d: %w", atom.ID, err)
		}
		texts = append(texts, string(content))
		textID = append(textID, atom.ID)
	}
	if len(texts) == 0 {
		return nil
	}

	ep.logger.Debug("generating embeddings for atoms", "atoms", len(texts))
	vectors, err := ep.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		ep.logger.Error("error generating embeddings", "err", err)
		return err
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding result mismatch. expected %d, received %d", len(texts), len(vectors))
	}

	var errs []error
	for i, vector := range vectors {
		if err := ep.attach(ctx, textID[i], modelID, vector); err != nil {
			errs = append(errs, fmt.Errorf("atom %d: %w", textID[i], err))
		}
	}

	ep.mu.Lock()
	if highest := textID[len(textID)-1]; highest > ep.lastID {
		ep.lastID = highest
	}
	ep.mu.Unlock()

	return errors.Join(errs...)
}

// checkpoint records the highest atom id embedded so far.
func (ep *embeddingProcessor) checkpoint(ctx context.Context) error {
	if ep.checkpoints == nil {
		return nil
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.lastID <= ep.saved {
		return nil
	}

	err := ep.checkpoints.SaveCheckpoint(ctx, &core.Checkpoint{
		ProcessorType: EmbeddingProcessorType,
		LastID:        ep.lastID,
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ep.saved = ep.lastID
	return nil
}
