package search

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/distance"
	"github.com/poiesic/atomstore/landmark"
	"github.com/poiesic/atomstore/spatial"
	"github.com/poiesic/atomstore/storage"
)

const (
	// DefaultCandidateMultiplier is the candidate pool size as a multiple of TopK.
	DefaultCandidateMultiplier = 10

	// DefaultRerankBatchSize is the number of vectors fetched per rerank batch.
	DefaultRerankBatchSize = 256

	// deadline checks during scans happen once per this many vectors
	checkInterval = 64
)

// Mode identifies how a result was produced.
type Mode int

const (
	// ModeHybrid is the landmark-projected candidate search followed by exact rerank.
	ModeHybrid Mode = iota
	// ModeBruteForce is an exact scan over every embedding of the model.
	ModeBruteForce
)

func (m Mode) String() string {
	switch m {
	case ModeHybrid:
		return "hybrid"
	case ModeBruteForce:
		return "brute_force"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Degradation explains why a search did not run in hybrid mode.
type Degradation int

const (
	DegradedNone Degradation = iota
	// DegradedNoLandmarks means the model has no active landmark set.
	DegradedNoLandmarks
	// DegradedStaleIndex means the spatial index does not match the active landmark set.
	DegradedStaleIndex
)

func (d Degradation) String() string {
	switch d {
	case DegradedNone:
		return "none"
	case DegradedNoLandmarks:
		return "no_landmarks"
	case DegradedStaleIndex:
		return "stale_index"
	default:
		return fmt.Sprintf("degradation(%d)", int(d))
	}
}

// Request describes a similarity query.
type Request struct {
	ModelID string
	Vector  []float32
	TopK    int
	// CandidateMultiplier overrides the searcher default when positive.
	CandidateMultiplier int
	// Filter restricts results to the atom ids it contains when non-nil.
	Filter *roaring64.Bitmap
}

// Hit is a single search result.
type Hit struct {
	AtomID core.AtomID
	// Distance is the exact distance between the query and the stored vector.
	Distance float64
}

// Result is the outcome of a search.
type Result struct {
	ModelID  string
	Hits     []Hit
	Mode     Mode
	Degraded Degradation
	// Partial is set when the deadline expired before every candidate was examined.
	Partial bool
	// CandidatesExamined is the number of vectors the exact distance was computed for.
	CandidatesExamined int
	// LandmarkVersion is the landmark set the candidates were drawn with, zero in brute force.
	LandmarkVersion uint64
}

// ProjectorSource supplies the active landmark projector for a model.
type ProjectorSource interface {
	Active(modelID string) *landmark.Projector
}

// IndexSource supplies the current spatial index snapshot for a model.
type IndexSource interface {
	Snapshot(modelID string) *spatial.Snapshot
}

// Searcher runs two-phase similarity search.
type Searcher struct {
	embeddings storage.EmbeddingRepository
	projectors ProjectorSource
	index      IndexSource
	logger     *slog.Logger
	multiplier int
	batchSize  int
	workers    int
	metric     core.Metric
	onStale    func(modelID string, version uint64)
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithCandidateMultiplier sets the default candidate pool multiplier.
func WithCandidateMultiplier(multiplier int) Option {
	return func(s *Searcher) error {
		if multiplier < 1 {
			return ErrInvalidMultiplier
		}
		s.multiplier = multiplier
		return nil
	}
}

// WithRerankBatchSize sets how many vectors are fetched per storage round trip.
func WithRerankBatchSize(size int) Option {
	return func(s *Searcher) error {
		if size < 1 {
			return fmt.Errorf("rerank batch size must be positive: %d", size)
		}
		s.batchSize = size
		return nil
	}
}

// WithRerankWorkers bounds how many rerank batches run concurrently.
// Default is GOMAXPROCS.
func WithRerankWorkers(workers int) Option {
	return func(s *Searcher) error {
		if workers < 1 {
			return fmt.Errorf("rerank workers must be positive: %d", workers)
		}
		s.workers = workers
		return nil
	}
}

// WithMetric sets the metric used for models without an active landmark set.
// Default is cosine.
func WithMetric(metric core.Metric) Option {
	return func(s *Searcher) error {
		if _, err := distance.For(metric); err != nil {
			return err
		}
		s.metric = metric
		return nil
	}
}

// WithStaleIndexHandler registers a callback invoked when a search finds the
// index out of step with the active landmark set. It must not block.
func WithStaleIndexHandler(fn func(modelID string, version uint64)) Option {
	return func(s *Searcher) error {
		s.onStale = fn
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(
	embeddings storage.EmbeddingRepository,
	projectors ProjectorSource,
	index IndexSource,
	opts ...Option,
) (*Searcher, error) {
	if embeddings == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}
	if projectors == nil {
		return nil, ErrLandmarksRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}

	s := &Searcher{
		embeddings: embeddings,
		projectors: projectors,
		index:      index,
		logger:     slog.Default(),
		multiplier: DefaultCandidateMultiplier,
		batchSize:  DefaultRerankBatchSize,
		workers:    runtime.GOMAXPROCS(0),
		metric:     core.MetricCosine,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "search")

	return s, nil
}

// Search returns the TopK stored vectors nearest to the query.
// The context deadline bounds the search; when it expires the best hits found
// so far are returned with Partial set.
func (s *Searcher) Search(ctx context.Context, req Request) (*Result, error) {
	return s.SearchWithMonitor(ctx, req, nil)
}

// SearchWithMonitor is Search with callbacks at each stage.
func (s *Searcher) SearchWithMonitor(ctx context.Context, req Request, monitor SearchMonitor) (*Result, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	monitor.Start(req)

	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	projector := s.projectors.Active(req.ModelID)
	if projector == nil {
		monitor.Degraded(DegradedNoLandmarks)
		result, err := s.bruteForce(ctx, req, s.metric, DegradedNoLandmarks, monitor)
		if err != nil {
			return nil, err
		}
		return s.finish(result, monitor), nil
	}

	snap := s.index.Snapshot(req.ModelID)
	if snap == nil || snap.LandmarkVersion != projector.Version() {
		s.logger.Debug("spatial index is stale",
			"model", req.ModelID,
			"landmark_version", projector.Version(),
			"err", core.ErrStaleIndex)
		if s.onStale != nil {
			s.onStale(req.ModelID, projector.Version())
		}
		monitor.Degraded(DegradedStaleIndex)
		result, err := s.bruteForce(ctx, req, projector.Set().Metric, DegradedStaleIndex, monitor)
		if err != nil {
			return nil, err
		}
		return s.finish(result, monitor), nil
	}

	coord, err := projector.Project(req.Vector)
	if err != nil {
		return nil, err
	}
	monitor.AfterProjection(coord, projector.Version())

	multiplier := s.multiplier
	if req.CandidateMultiplier > 0 {
		multiplier = req.CandidateMultiplier
	}
	pool := min(req.TopK*multiplier, snap.Len())

	result := &Result{
		ModelID:         req.ModelID,
		Mode:            ModeHybrid,
		LandmarkVersion: projector.Version(),
	}
	if pool == 0 {
		return s.finish(result, monitor), nil
	}

	candidates, err := snap.KNearest(coord, pool, filterFunc(req.Filter))
	if err != nil {
		return nil, err
	}
	monitor.AfterCandidateSearch(candidates)

	hits, examined, partial, err := s.rerank(ctx, req, candidates, projector.Distance(), monitor)
	if err != nil {
		return nil, err
	}
	result.Hits = hits
	result.CandidatesExamined = examined
	result.Partial = partial
	return s.finish(result, monitor), nil
}

func (s *Searcher) finish(result *Result, monitor SearchMonitor) *Result {
	s.logger.Debug("search complete",
		"model", result.ModelID,
		"mode", result.Mode,
		"degraded", result.Degraded,
		"hits", len(result.Hits),
		"examined", result.CandidatesExamined,
		"partial", result.Partial)
	monitor.Finish(result)
	return result
}

func (s *Searcher) validate(ctx context.Context, req Request) error {
	if req.TopK <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTopK, req.TopK)
	}
	if req.CandidateMultiplier < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMultiplier, req.CandidateMultiplier)
	}
	if req.ModelID == "" {
		return core.ErrEmptyModelID
	}
	if err := core.ValidateVector(req.Vector); err != nil {
		return err
	}
	info, err := s.embeddings.ModelInfo(ctx, req.ModelID)
	if err != nil {
		return err
	}
	return core.CheckDimension(req.ModelID, info.Dimension, len(req.Vector))
}

func filterFunc(filter *roaring64.Bitmap) func(core.AtomID) bool {
	if filter == nil {
		return nil
	}
	return func(id core.AtomID) bool {
		return filter.Contains(uint64(id))
	}
}

// rerank computes the exact distance for every candidate, in parallel batches.
func (s *Searcher) rerank(
	ctx context.Context,
	req Request,
	candidates []spatial.Neighbor,
	dist distance.Func,
	monitor SearchMonitor,
) ([]Hit, int, bool, error) {
	var (
		mu       sync.Mutex
		hits     = make([]Hit, 0, len(candidates))
		examined atomic.Int64
		partial  atomic.Bool
	)

	var g errgroup.Group
	g.SetLimit(s.workers)
	for chunk := range slices.Chunk(candidates, s.batchSize) {
		g.Go(func() error {
			if ctx.Err() != nil {
				partial.Store(true)
				return nil
			}
			ids := make([]core.AtomID, len(chunk))
			for i, c := range chunk {
				ids[i] = c.AtomID
			}
			embeddings, err := s.embeddings.GetEmbeddings(ctx, req.ModelID, ids...)
			if err != nil {
				return fmt.Errorf("fetching candidate vectors: %w", err)
			}
			local := make([]Hit, 0, len(embeddings))
			for i, e := range embeddings {
				if i%checkInterval == 0 && ctx.Err() != nil {
					partial.Store(true)
					break
				}
				hit := Hit{AtomID: e.AtomID, Distance: dist(req.Vector, e.Vector)}
				monitor.Reranked(hit)
				local = append(local, hit)
			}
			examined.Add(int64(len(local)))
			mu.Lock()
			hits = append(hits, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, false, err
	}

	sortHits(hits)
	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	return hits, int(examined.Load()), partial.Load(), nil
}

// bruteForce scans every embedding of the model, keeping the TopK nearest.
func (s *Searcher) bruteForce(
	ctx context.Context,
	req Request,
	metric core.Metric,
	degraded Degradation,
	monitor SearchMonitor,
) (*Result, error) {
	dist, err := distance.For(metric)
	if err != nil {
		return nil, err
	}
	result := &Result{
		ModelID:  req.ModelID,
		Mode:     ModeBruteForce,
		Degraded: degraded,
	}

	best := make(hitHeap, 0, req.TopK+1)
	err = s.embeddings.ForEachEmbedding(ctx, req.ModelID, 0, func(e *core.Embedding) error {
		if result.CandidatesExamined%checkInterval == 0 && ctx.Err() != nil {
			result.Partial = true
			return errStop
		}
		if req.Filter != nil && !req.Filter.Contains(uint64(e.AtomID)) {
			return nil
		}
		hit := Hit{AtomID: e.AtomID, Distance: dist(req.Vector, e.Vector)}
		result.CandidatesExamined++
		monitor.Reranked(hit)
		heap.Push(&best, hit)
		if best.Len() > req.TopK {
			heap.Pop(&best)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		if ctx.Err() == nil {
			return nil, err
		}
		result.Partial = true
	}

	result.Hits = []Hit(best)
	sortHits(result.Hits)
	return result, nil
}

var errStop = errors.New("stop scan")

func sortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.AtomID, b.AtomID)
	})
}

// hitHeap is a max-heap on (distance, id) so the worst kept hit is evicted first.
type hitHeap []Hit

func (h hitHeap) Len() int { return len(h) }

func (h hitHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].AtomID > h[j].AtomID
}

func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(Hit)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
