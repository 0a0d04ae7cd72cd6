package landmark

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// DefaultSampleSize bounds how many stored vectors a rotation reads.
const DefaultSampleSize = 10000

// Registry holds the active landmark set of every model.
//
// Each model's projector sits behind an atomic pointer. Rotate builds and
// persists a new set, then swaps the pointer; readers holding the previous
// projector keep using it undisturbed.
type Registry struct {
	landmarks  storage.LandmarkRepository
	embeddings storage.EmbeddingRepository
	logger     *slog.Logger

	count      int
	metric     core.Metric
	sampleSize int

	mu     sync.RWMutex
	active map[string]*atomic.Pointer[Projector]
	hooks  []func(*Projector)

	// rotateMu serializes rotations and guards seeds.
	rotateMu sync.Mutex
	seeds    *rand.Rand
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithCount sets how many landmarks a rotation selects.
// Default is DefaultCount.
func WithCount(count int) RegistryOption {
	return func(r *Registry) error {
		if count <= 0 || count > MaxCount {
			return fmt.Errorf("%w: got %d", ErrInvalidCount, count)
		}
		r.count = count
		return nil
	}
}

// WithMetric sets the metric of newly built sets.
// Default is cosine.
func WithMetric(metric core.Metric) RegistryOption {
	return func(r *Registry) error {
		if metric != core.MetricCosine && metric != core.MetricEuclidean {
			return fmt.Errorf("%w: %v", core.ErrInvalidMetric, metric)
		}
		r.metric = metric
		return nil
	}
}

// WithSampleSize sets how many stored vectors a rotation samples.
// Default is DefaultSampleSize.
func WithSampleSize(size int) RegistryOption {
	return func(r *Registry) error {
		if size <= 0 {
			return ErrInvalidSampleSize
		}
		r.sampleSize = size
		return nil
	}
}

// WithSeed makes rotations reproducible.
// Default is seeded from the clock.
func WithSeed(seed uint64) RegistryOption {
	return func(r *Registry) error {
		r.seeds = rand.New(rand.NewPCG(seed, seed))
		return nil
	}
}

// NewRegistry creates a registry. Call Load to pick up persisted sets.
func NewRegistry(landmarks storage.LandmarkRepository, embeddings storage.EmbeddingRepository, opts ...RegistryOption) (*Registry, error) {
	if landmarks == nil {
		return nil, ErrLandmarkRepositoryRequired
	}
	if embeddings == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}

	seed := uint64(time.Now().UnixNano())
	r := &Registry{
		landmarks:  landmarks,
		embeddings: embeddings,
		logger:     slog.Default(),
		count:      DefaultCount,
		metric:     core.MetricCosine,
		sampleSize: DefaultSampleSize,
		active:     make(map[string]*atomic.Pointer[Projector]),
		seeds:      rand.New(rand.NewPCG(seed, seed>>1)),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "landmarks")
	return r, nil
}

// Load publishes the active set of every model from the repository.
func (r *Registry) Load(ctx context.Context) error {
	sets, err := r.landmarks.ActiveLandmarkSets(ctx)
	if err != nil {
		return err
	}
	for _, set := range sets {
		p, err := NewProjector(set)
		if err != nil {
			return fmt.Errorf("failed to load landmark set %q version %d: %w", set.ModelID, set.Version, err)
		}
		r.publish(p)
		r.logger.Debug("loaded landmark set", "model", set.ModelID, "version", set.Version)
	}
	return nil
}

// Active returns the projector of a model's active set, or nil when the
// model has none.
func (r *Registry) Active(modelID string) *Projector {
	r.mu.RLock()
	ptr, ok := r.active[modelID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return ptr.Load()
}

// Models returns the models that have an active set, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.active))
	for modelID, ptr := range r.active {
		if ptr.Load() != nil {
			models = append(models, modelID)
		}
	}
	slices.Sort(models)
	return models
}

// OnRotate registers fn to run after a new set becomes active.
// Hooks run synchronously on the rotating goroutine.
func (r *Registry) OnRotate(fn func(*Projector)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Rotate samples the model's embeddings, builds a new landmark set, saves
// it, activates it and publishes it. The previous set is retired. Returns
// core.ErrInsufficientData when the model has too few embeddings.
func (r *Registry) Rotate(ctx context.Context, modelID string) (*Projector, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	sampleRng := rand.New(rand.NewPCG(r.seeds.Uint64(), r.seeds.Uint64()))
	vectors, err := Sample(ctx, r.embeddings, modelID, r.sampleSize, sampleRng)
	if err != nil {
		return nil, err
	}

	set, err := Build(modelID, vectors, BuildOptions{
		Count:  r.count,
		Metric: r.metric,
		Seed:   r.seeds.Uint64(),
	})
	if err != nil {
		return nil, err
	}
	set, err = r.landmarks.SaveLandmarkSet(ctx, set)
	if err != nil {
		return nil, err
	}

	r.logger.Info("built landmark set", "model", modelID, "version", set.Version, "sampled", len(vectors))
	return r.activate(ctx, modelID, set.Version)
}

// Activate makes a stored set the active one, for example to roll back a
// rotation.
func (r *Registry) Activate(ctx context.Context, modelID string, version uint64) (*Projector, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()
	return r.activate(ctx, modelID, version)
}

func (r *Registry) activate(ctx context.Context, modelID string, version uint64) (*Projector, error) {
	set, err := r.landmarks.ActivateLandmarkSet(ctx, modelID, version)
	if err != nil {
		return nil, err
	}
	p, err := NewProjector(set)
	if err != nil {
		return nil, err
	}
	r.publish(p)

	r.mu.RLock()
	hooks := slices.Clone(r.hooks)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
	r.logger.Info("activated landmark set", "model", modelID, "version", version)
	return p, nil
}

func (r *Registry) publish(p *Projector) {
	r.mu.Lock()
	ptr, ok := r.active[p.ModelID()]
	if !ok {
		ptr = &atomic.Pointer[Projector]{}
		r.active[p.ModelID()] = ptr
	}
	r.mu.Unlock()
	ptr.Store(p)
}
