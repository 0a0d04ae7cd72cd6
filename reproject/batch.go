package reproject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/atomstore/ai"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/retry"
	"github.com/poiesic/atomstore/storage"
)

// BatchProcessor embeds the text atoms behind a batch of embeddings into
// a target model.
type BatchProcessor struct {
	atoms          storage.AtomRepository
	embeddings     storage.EmbeddingRepository
	embedder       ai.Embedder
	toModel        string
	normalize      bool
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of retry attempts for embedding API calls
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(atoms storage.AtomRepository, embeddings storage.EmbeddingRepository, embedder ai.Embedder, toModel string, config *Config) *BatchProcessor {
	if config == nil {
		config = DefaultConfig()
	}
	return &BatchProcessor{
		atoms:          atoms,
		embeddings:     embeddings,
		embedder:       embedder,
		toModel:        toModel,
		normalize:      config.Normalize,
		maxRetries:     config.MaxRetries,
		retryBaseDelay: config.RetryDelay,
	}
}

// Process embeds the current content of every text atom named by batch and
// stores the vectors under the target model. Atoms that are gone or are not
// text are skipped. Returns the number of embeddings written.
func (bp *BatchProcessor) Process(ctx context.Context, batch []*core.Embedding) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]core.AtomID, len(batch))
	for i, e := range batch {
		ids[i] = e.AtomID
	}
	atoms, err := bp.atoms.GetAtoms(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to load atoms: %w", err)
	}

	// Extract text content
	var targets []core.AtomID
	var texts []string
	for _, atom := range atoms {
		if atom.Modality != core.ModalityText {
			continue
		}
		content, err := bp.atoms.Content(ctx, atom.CurrentVersion())
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("failed to read content of atom %d: %w", atom.ID, err)
		}
		targets = append(targets, atom.ID)
		texts = append(texts, string(content))
	}
	if len(texts) == 0 {
		return 0, nil
	}

	// Generate embeddings with retry
	var vectors [][]float32
	err = retry.WithBackoff(ctx, func() error {
		var err error
		vectors, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}

	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(texts), len(vectors))
	}

	out := make([]*core.Embedding, len(targets))
	for i, id := range targets {
		v := vectors[i]
		if bp.normalize {
			v = NormalizeVector(v)
		}
		out[i] = &core.Embedding{AtomID: id, ModelID: bp.toModel, Vector: v}
	}

	err = retry.WithBackoffIf(ctx, func() error {
		return bp.embeddings.PutEmbeddings(ctx, out...)
	}, bp.maxRetries, bp.retryBaseDelay, transient)
	if err != nil {
		return 0, fmt.Errorf("failed to store embeddings: %w", err)
	}
	return len(out), nil
}

// transient reports whether a storage error is worth retrying.
func transient(err error) bool {
	return !errors.Is(err, core.ErrNotFound) &&
		!errors.Is(err, core.ErrDimensionMismatch) &&
		!errors.Is(err, core.ErrInvalidEmbedding) &&
		!errors.Is(err, core.ErrEmptyVector)
}
