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


package atomstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/atomstore/ai"
	"github.com/poiesic/atomstore/blob"
	"github.com/poiesic/atomstore/blob/minio"
	"github.com/poiesic/atomstore/config"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/dedup"
	"github.com/poiesic/atomstore/gc"
	"github.com/poiesic/atomstore/ingestion"
	"github.com/poiesic/atomstore/landmark"
	"github.com/poiesic/atomstore/reproject"
	"github.com/poiesic/atomstore/retry"
	"github.com/poiesic/atomstore/search"
	"github.com/poiesic/atomstore/spatial"
	"github.com/poiesic/atomstore/storage"
	"github.com/poiesic/atomstore/storage/badger"
	"golang.org/x/sync/singleflight"
)

// rebuildWorkers bounds concurrent index rebuilds across models.
const rebuildWorkers = 2

// Store wires the atom store, landmark registry, spatial index, search,
// ingestion and background maintenance together.
type Store struct {
	config    *config.Config
	repos     *badger.Repositories
	snapshots blob.Store
	provider  ai.AIProvider

	registry    *landmark.Registry
	catalog     *spatial.Catalog
	searcher    *search.Searcher
	detector    *dedup.Detector
	pipeline    *ingestion.Pipeline
	reprojector *reproject.Reprojector
	sweeper     *gc.Sweeper

	rebuildPool *ants.Pool
	rebuilds    singleflight.Group
	scheduled   sync.Map
	saved       sync.Map // model ID -> savedIndex
	background  sync.WaitGroup
	closed      atomic.Bool

	progress io.Writer
	logger   *slog.Logger
}

// savedIndex identifies the tree state last read from or written to the
// snapshot store.
type savedIndex struct {
	tree *spatial.RTree
	gen  uint64
}

// Option configures Open.
type Option func(*storeOptions)

type storeOptions struct {
	config    *config.Config
	provider  ai.AIProvider
	logger    *slog.Logger
	progress  io.Writer
	inMemory  bool
	seed      uint64
	seeded    bool
	clock     func() time.Time
	blobStore blob.Store
}

// WithConfig sets the configuration. Default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(o *storeOptions) {
		o.config = cfg
	}
}

// WithAIProvider enables text ingestion, text search and re-embedding.
// The store closes the provider on Close.
func WithAIProvider(provider ai.AIProvider) Option {
	return func(o *storeOptions) {
		o.provider = provider
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithProgress sets where long-running jobs print progress.
// Default is io.Discard.
func WithProgress(w io.Writer) Option {
	return func(o *storeOptions) {
		o.progress = w
	}
}

// InMemory keeps everything in memory; the path passed to Open is ignored.
func InMemory() Option {
	return func(o *storeOptions) {
		o.inMemory = true
	}
}

// WithSeed makes landmark selection reproducible.
func WithSeed(seed uint64) Option {
	return func(o *storeOptions) {
		o.seed = seed
		o.seeded = true
	}
}

// WithClock replaces the clock used for version intervals and reference
// count bookkeeping.
func WithClock(clock func() time.Time) Option {
	return func(o *storeOptions) {
		o.clock = clock
	}
}

// WithBlobStore stores referenced content and index snapshots in store
// instead of the configured backend.
func WithBlobStore(store blob.Store) Option {
	return func(o *storeOptions) {
		o.blobStore = store
	}
}

// Open opens or creates a store at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	options := &storeOptions{
		config:   config.Default(),
		logger:   slog.Default(),
		progress: io.Discard,
	}
	for _, opt := range opts {
		opt(options)
	}
	cfg := options.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := options.logger

	var cleanup []func()
	fail := func(err error) (*Store, error) {
		for _, fn := range slices.Backward(cleanup) {
			fn()
		}
		return nil, err
	}

	backend, err := badger.OpenBackend(path, options.inMemory, badger.WithBackendLogger(logger))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { backend.Close() })

	// Content goes through zstd, snapshots are lz4 compressed already.
	var content, snapshots blob.Store
	switch {
	case options.blobStore != nil:
		content = blob.NewCompressedStore(options.blobStore, blob.CodecZstd)
		snapshots = options.blobStore
	case cfg.Blob.Backend == config.BlobMinIO:
		remote, err := minio.Dial(ctx, minio.Config{
			Endpoint:  cfg.Blob.MinIO.Endpoint,
			AccessKey: cfg.Blob.MinIO.AccessKey,
			SecretKey: cfg.Blob.MinIO.SecretKey,
			Bucket:    cfg.Blob.MinIO.Bucket,
			Prefix:    cfg.Blob.MinIO.Prefix,
			Region:    cfg.Blob.MinIO.Region,
			Secure:    cfg.Blob.MinIO.Secure,
		})
		if err != nil {
			return fail(fmt.Errorf("connect blob store: %w", err))
		}
		content = blob.NewCompressedStore(remote, blob.CodecZstd)
		snapshots = remote
	}

	atomOpts := []badger.AtomOption{badger.WithBlobStore(content)}
	if options.clock != nil {
		atomOpts = append(atomOpts, badger.WithClock(options.clock))
	}
	repos, err := badger.NewRepositories(backend, atomOpts...)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { repos.Atoms.Close() })
	if snapshots == nil {
		snapshots = repos.Blobs
	}

	registryOpts := []landmark.RegistryOption{
		landmark.WithLogger(logger),
		landmark.WithCount(cfg.Landmarks.Count),
		landmark.WithMetric(cfg.Metric()),
		landmark.WithSampleSize(cfg.Landmarks.SampleSize),
	}
	if options.seeded {
		registryOpts = append(registryOpts, landmark.WithSeed(options.seed))
	}
	registry, err := landmark.NewRegistry(repos.Landmarks, repos.Embeddings, registryOpts...)
	if err != nil {
		return fail(err)
	}
	if err := registry.Load(ctx); err != nil {
		return fail(fmt.Errorf("load landmark sets: %w", err))
	}

	rebuildPool, err := ants.NewPool(rebuildWorkers)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, rebuildPool.Release)

	s := &Store{
		config:      cfg,
		repos:       repos,
		snapshots:   snapshots,
		provider:    options.provider,
		registry:    registry,
		catalog:     spatial.NewCatalog(spatial.WithLogger(logger)),
		rebuildPool: rebuildPool,
		progress:    options.progress,
		logger:      logger.With("component", "store"),
	}

	s.searcher, err = search.NewSearcher(repos.Embeddings, registry, s.catalog,
		search.WithLogger(logger),
		search.WithCandidateMultiplier(cfg.Search.CandidateMultiplier),
		search.WithRerankBatchSize(cfg.Search.RerankBatchSize),
		search.WithRerankWorkers(cfg.Search.RerankWorkers),
		search.WithMetric(cfg.Metric()),
		search.WithStaleIndexHandler(s.requestRebuild),
	)
	if err != nil {
		return fail(err)
	}

	policy := dedup.Policy{
		SemanticThreshold: cfg.Dedup.SemanticThreshold,
		SpatialThreshold:  cfg.Dedup.SpatialThreshold,
		MaxCandidates:     cfg.Dedup.MaxCandidates,
	}
	s.detector, err = dedup.NewDetector(s.searcher, repos.Embeddings, repos.Reports,
		dedup.WithLogger(logger),
		dedup.WithPolicy(policy),
		dedup.WithProjectors(registry),
	)
	if err != nil {
		return fail(err)
	}

	pipelineOpts := []ingestion.Option{
		ingestion.WithLogger(logger),
		ingestion.WithPoolSize(cfg.IngestionWorkers),
		ingestion.WithCheckpoints(repos.Checkpoints),
		ingestion.WithBatchSize(max(1, cfg.AI.BatchSize)),
	}
	if policy.Enabled() {
		pipelineOpts = append(pipelineOpts, ingestion.WithDuplicateChecker(s.detector))
	}
	if s.provider != nil {
		pipelineOpts = append(pipelineOpts, ingestion.WithEmbedder(s.provider.Embedder()))
	}
	if cfg.Landmarks.AutoBuild {
		pipelineOpts = append(pipelineOpts, ingestion.WithColdStartHandler(s.requestLandmarks))
	}
	s.pipeline, err = ingestion.NewPipeline(repos.Atoms, repos.Embeddings, registry, s.catalog, pipelineOpts...)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, s.pipeline.Close)

	s.reprojector, err = reproject.NewReprojector(repos.Embeddings, registry, s.catalog,
		reproject.WithLogger(logger),
		reproject.WithConfig(s.reprojectConfig()),
		reproject.WithProgress(s.progress),
		reproject.WithCheckpoints(repos.Checkpoints),
		reproject.WithSnapshotStore(snapshots),
	)
	if err != nil {
		return fail(err)
	}

	s.sweeper, err = gc.NewSweeper(repos.Atoms, s.catalog,
		gc.WithLogger(logger),
		gc.WithInterval(cfg.GC.Interval),
		gc.WithGracePeriod(cfg.GC.GracePeriod),
		gc.WithRate(cfg.GC.RatePerSecond),
		gc.WithPoolSize(cfg.GC.Workers),
		gc.WithLandmarkPruning(repos.Landmarks, repos.Embeddings),
		gc.WithCheckpoints(repos.Checkpoints),
		gc.WithClock(options.clock),
	)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, s.sweeper.Close)

	registry.OnRotate(func(p *landmark.Projector) {
		s.requestRebuild(p.ModelID(), p.Version())
	})
	s.loadIndexes(ctx)

	if cfg.GC.Enabled {
		if err := s.sweeper.Start(); err != nil {
			return fail(err)
		}
	}
	return s, nil
}

func (s *Store) reprojectConfig() *reproject.Config {
	rc := reproject.DefaultConfig()
	rc.BatchSize = s.config.Reproject.BatchSize
	rc.MaxRetries = max(1, s.config.Reproject.MaxRetries)
	rc.RetryDelay = s.config.Reproject.RetryDelay
	return rc
}

// loadIndexes installs the stored snapshot of every model with an active
// landmark set. A model without a usable snapshot is rebuilt in the
// background.
func (s *Store) loadIndexes(ctx context.Context) {
	for _, modelID := range s.registry.Models() {
		p := s.registry.Active(modelID)
		if p == nil {
			continue
		}
		snap, err := spatial.LoadSnapshot(ctx, s.snapshots, modelID, p.Version())
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				s.logger.Warn("failed to load index snapshot", "model", modelID, "version", p.Version(), "error", err)
			}
			s.requestRebuild(modelID, p.Version())
			continue
		}
		count, err := s.repos.Embeddings.CountEmbeddings(ctx, modelID)
		if err != nil || count != snap.Len() {
			s.logger.Info("index snapshot out of date", "model", modelID, "version", p.Version(),
				"indexed", snap.Len(), "embeddings", count)
			s.requestRebuild(modelID, p.Version())
			continue
		}
		if s.catalog.Install(snap) {
			s.saved.Store(modelID, savedIndex{tree: snap.Tree, gen: snap.Tree.Generation()})
		}
		s.logger.Debug("loaded index snapshot", "model", modelID, "version", p.Version(), "items", snap.Len())
	}
}

// saveIndexes writes the snapshot of every model whose tree changed since it
// was loaded or last saved. Trees missing embeddings of their model are
// skipped; Open would reject them.
func (s *Store) saveIndexes(ctx context.Context) error {
	var errs []error
	for _, modelID := range s.catalog.Models() {
		snap := s.catalog.Snapshot(modelID)
		p := s.registry.Active(modelID)
		if snap == nil || p == nil || snap.LandmarkVersion != p.Version() {
			continue
		}
		state := savedIndex{tree: snap.Tree, gen: snap.Tree.Generation()}
		if v, ok := s.saved.Load(modelID); ok && v.(savedIndex) == state {
			continue
		}
		count, err := s.repos.Embeddings.CountEmbeddings(ctx, modelID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if count != snap.Len() {
			s.logger.Debug("index incomplete, snapshot not saved", "model", modelID,
				"indexed", snap.Len(), "embeddings", count)
			continue
		}
		if err := spatial.SaveSnapshot(ctx, s.snapshots, snap); err != nil {
			errs = append(errs, fmt.Errorf("save index snapshot for %s: %w", modelID, err))
			continue
		}
		s.saved.Store(modelID, state)
		s.logger.Debug("saved index snapshot", "model", modelID, "version", snap.LandmarkVersion, "items", snap.Len())
	}
	return errors.Join(errs...)
}

// requestRebuild schedules a rebuild of a model's index on the rebuild
// pool without blocking the caller. Requests wait for a free worker; a
// request for a rebuild already scheduled is dropped.
func (s *Store) requestRebuild(modelID string, version uint64) {
	if s.closed.Load() {
		return
	}
	key := rebuildKey(modelID, version)
	if _, loaded := s.scheduled.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	s.background.Add(1)
	task := func() {
		defer s.background.Done()
		defer s.scheduled.Delete(key)
		if _, err := s.rebuild(context.Background(), modelID); err != nil {
			s.logger.Error("index rebuild failed", "model", modelID, "version", version, "error", err)
		}
	}
	go func() {
		if err := s.rebuildPool.Submit(task); err != nil {
			s.background.Done()
			s.scheduled.Delete(key)
			s.logger.Error("index rebuild not scheduled", "model", modelID, "version", version, "error", err)
		}
	}()
}

// requestLandmarks builds the first landmark set of a model in the
// background once it has more embeddings than landmarks. The rotation
// schedules the index rebuild.
func (s *Store) requestLandmarks(modelID string) {
	if s.closed.Load() || s.registry.Active(modelID) != nil {
		return
	}
	key := "landmarks:" + modelID
	if _, loaded := s.scheduled.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.scheduled.Delete(key)
		if s.registry.Active(modelID) != nil {
			return
		}
		ctx := context.Background()
		count, err := s.repos.Embeddings.CountEmbeddings(ctx, modelID)
		if err != nil {
			s.logger.Warn("failed to count embeddings", "model", modelID, "error", err)
			return
		}
		if count <= s.config.Landmarks.Count {
			return
		}
		p, err := s.registry.Rotate(ctx, modelID)
		switch {
		case errors.Is(err, core.ErrInsufficientData):
			s.logger.Debug("not enough distinct embeddings for landmarks", "model", modelID, "embeddings", count)
		case err != nil:
			s.logger.Warn("failed to build landmark set", "model", modelID, "error", err)
		default:
			s.logger.Info("built first landmark set", "model", modelID, "version", p.Version(), "embeddings", count)
		}
	}()
}

// rebuild runs the reprojector once per model and active version; callers
// asking for the same rebuild share its result.
func (s *Store) rebuild(ctx context.Context, modelID string) (*reproject.Stats, error) {
	version := uint64(0)
	if p := s.registry.Active(modelID); p != nil {
		version = p.Version()
	}
	v, err, _ := s.rebuilds.Do(rebuildKey(modelID, version), func() (any, error) {
		var stats *reproject.Stats
		err := retry.WithBackoffIf(ctx, func() error {
			var err error
			stats, err = s.reprojector.Run(ctx, modelID)
			return err
		}, 20, 50*time.Millisecond, func(err error) bool {
			return errors.Is(err, spatial.ErrRebuildInProgress)
		})
		return stats, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*reproject.Stats), nil
}

func rebuildKey(modelID string, version uint64) string {
	return fmt.Sprintf("%s@%d", modelID, version)
}

// WaitForRebuilds blocks until scheduled index rebuilds have finished.
func (s *Store) WaitForRebuilds() {
	s.background.Wait()
}

// Close stops background work and closes the store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sweeper.Close()
	s.pipeline.Close()
	s.background.Wait()
	s.rebuildPool.Release()

	var errs []error
	if err := s.saveIndexes(context.Background()); err != nil {
		s.logger.Error("error saving index snapshots", "err", err)
		errs = append(errs, err)
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Error("error closing AI provider", "err", err)
			errs = append(errs, err)
		}
	}
	if err := s.repos.Close(); err != nil {
		s.logger.Error("error closing repositories", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Put stores one item. See ingestion.Pipeline.Put.
func (s *Store) Put(ctx context.Context, item ingestion.Item) (*ingestion.PutResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.pipeline.Put(ctx, item)
}

// Ingest stores items and embeds text items without vectors in the
// background. Call Wait to block until they are embedded.
func (s *Store) Ingest(ctx context.Context, modelID string, items ...ingestion.Item) ([]*core.Atom, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.pipeline.Ingest(ctx, modelID, items...)
}

// Wait blocks until background embedding has finished.
func (s *Store) Wait() {
	s.pipeline.Wait()
}

// Release drops one reference to an atom. The atom stays readable until a
// garbage collection sweep purges it.
func (s *Store) Release(ctx context.Context, id core.AtomID) (*core.Atom, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.pipeline.Release(ctx, id)
}

// Get returns the current state of an atom.
func (s *Store) Get(ctx context.Context, id core.AtomID) (*core.Atom, error) {
	return s.repos.Atoms.GetAtom(ctx, id)
}

// Content returns the current content of an atom.
func (s *Store) Content(ctx context.Context, id core.AtomID) ([]byte, error) {
	atom, err := s.repos.Atoms.GetAtom(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repos.Atoms.Content(ctx, atom.CurrentVersion())
}

// GetAt returns the version of an atom valid at asOf.
func (s *Store) GetAt(ctx context.Context, id core.AtomID, asOf time.Time) (*core.AtomVersion, error) {
	return s.repos.Atoms.GetAt(ctx, id, asOf)
}

// History returns every version of an atom, oldest first.
func (s *Store) History(ctx context.Context, id core.AtomID) ([]*core.AtomVersion, error) {
	return s.repos.Atoms.History(ctx, id)
}

// Mutate replaces an atom's content, opening a new version.
func (s *Store) Mutate(ctx context.Context, id core.AtomID, content []byte) (*core.Atom, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.repos.Atoms.Mutate(ctx, id, content)
}

// Search runs a similarity search. See search.Searcher.Search.
func (s *Store) Search(ctx context.Context, req search.Request) (*search.Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.searcher.Search(ctx, req)
}

// SearchText embeds text with the configured embedding model and searches
// that model.
func (s *Store) SearchText(ctx context.Context, text string, topK int) (*search.Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, ErrEmbedderRequired
	}
	vector, err := s.provider.Embedder().EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.searcher.Search(ctx, search.Request{
		ModelID: s.config.AI.EmbeddingModel,
		Vector:  vector,
		TopK:    topK,
	})
}

// Rotate builds and activates a new landmark set for a model. The index is
// rebuilt in the background; searches fall back to brute force until it
// is ready.
func (s *Store) Rotate(ctx context.Context, modelID string) (*landmark.Projector, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.registry.Rotate(ctx, modelID)
}

// Reproject rebuilds a model's index for its active landmark set and
// waits for it. A rebuild already running for the same set is joined.
func (s *Store) Reproject(ctx context.Context, modelID string) (*reproject.Stats, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.rebuild(ctx, modelID)
}

// Reembed embeds the text atoms of one model into another with the
// configured embedder.
func (s *Store) Reembed(ctx context.Context, fromModel, toModel string) (*reproject.Stats, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, ErrEmbedderRequired
	}
	r, err := reproject.NewReembedder(s.repos.Atoms, s.repos.Embeddings, s.provider.Embedder(),
		s.repos.Checkpoints, s.reprojectConfig(), s.progress, s.logger)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, fromModel, toModel)
}

// Sweep runs one garbage collection sweep now.
func (s *Store) Sweep(ctx context.Context) (*gc.Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.sweeper.Sweep(ctx)
}

// Lookup returns the atom holding a typed payload without taking a
// reference to it.
func (s *Store) Lookup(ctx context.Context, p core.Payload) (*core.Atom, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.repos.Atoms.FindByHash(ctx, core.HashPayload(p))
}

// Reports returns the near-duplicate reports naming an atom.
func (s *Store) Reports(ctx context.Context, id core.AtomID) ([]*core.NearDuplicateReport, error) {
	return s.repos.Reports.ReportsForAtom(ctx, id)
}

// Atoms returns the atom repository.
func (s *Store) Atoms() storage.AtomRepository {
	return s.repos.Atoms
}

// Embeddings returns the embedding repository.
func (s *Store) Embeddings() storage.EmbeddingRepository {
	return s.repos.Embeddings
}

// Landmarks returns the landmark set repository.
func (s *Store) Landmarks() storage.LandmarkRepository {
	return s.repos.Landmarks
}

// Relations returns the edge repository.
func (s *Store) Relations() storage.RelationRepository {
	return s.repos.Relations
}

// Registry returns the landmark registry.
func (s *Store) Registry() *landmark.Registry {
	return s.registry
}

// Catalog returns the spatial index catalog.
func (s *Store) Catalog() *spatial.Catalog {
	return s.catalog
}
