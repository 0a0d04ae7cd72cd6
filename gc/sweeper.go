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


package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const (
	// DefaultInterval is the time between scheduled sweeps.
	DefaultInterval = 5 * time.Minute

	// DefaultGracePeriod is how long an atom stays at zero before it may be purged.
	DefaultGracePeriod = time.Minute

	// DefaultRate is the default number of purges per second.
	DefaultRate = 500

	// CheckpointType names the checkpoint recording the last sweep.
	CheckpointType = "gc"
)

// Index is the spatial index purged atoms are removed from.
type Index interface {
	Remove(modelID string, id core.AtomID) bool
}

// Result summarizes one sweep.
type Result struct {
	RunID      string
	Candidates int
	Purged     int
	// Revived counts candidates referenced again before they were purged.
	Revived int
	Failed  int
	// Unindexed counts spatial index entries removed.
	Unindexed int
	// LandmarkSetsPruned counts retired landmark sets deleted.
	LandmarkSetsPruned int
	Elapsed            time.Duration
}

// Sweeper purges atoms whose reference count has been zero for longer than
// the grace period.
type Sweeper struct {
	atoms       storage.AtomRepository
	index       Index
	embeddings  storage.EmbeddingRepository
	landmarks   storage.LandmarkRepository
	checkpoints storage.CheckpointRepository

	pool        *ants.Pool
	limiter     *rate.Limiter
	interval    time.Duration
	gracePeriod time.Duration
	batchLimit  int
	now         func() time.Time
	logger      *slog.Logger

	sweepMu sync.Mutex
	cronMu  sync.Mutex
	cron    *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper) error

// WithPoolSize sets the number of concurrent purges.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(s *Sweeper) error {
		if size < 1 {
			size = 1
		}

		// Release old pool
		if s.pool != nil {
			s.pool.Release()
		}

		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		s.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithInterval sets the time between scheduled sweeps.
// Default is DefaultInterval.
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) error {
		if interval <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
		}
		s.interval = interval
		return nil
	}
}

// WithGracePeriod sets how long an atom must stay unreferenced before it
// is purged. Default is DefaultGracePeriod.
func WithGracePeriod(grace time.Duration) Option {
	return func(s *Sweeper) error {
		if grace < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidGracePeriod, grace)
		}
		s.gracePeriod = grace
		return nil
	}
}

// WithRate limits purges per second. Default is DefaultRate.
func WithRate(perSecond float64) Option {
	return func(s *Sweeper) error {
		if perSecond <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidRate, perSecond)
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
		return nil
	}
}

// WithBatchLimit caps the candidates handled by one sweep; 0 means all.
func WithBatchLimit(limit int) Option {
	return func(s *Sweeper) error {
		s.batchLimit = max(0, limit)
		return nil
	}
}

// WithLandmarkPruning deletes retired landmark sets once no embedding
// records their version.
func WithLandmarkPruning(landmarks storage.LandmarkRepository, embeddings storage.EmbeddingRepository) Option {
	return func(s *Sweeper) error {
		s.landmarks = landmarks
		s.embeddings = embeddings
		return nil
	}
}

// WithCheckpoints records the newest purged atom after every sweep.
func WithCheckpoints(checkpoints storage.CheckpointRepository) Option {
	return func(s *Sweeper) error {
		s.checkpoints = checkpoints
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewSweeper creates a new Sweeper. Call Close when done.
func NewSweeper(atoms storage.AtomRepository, index Index, opts ...Option) (*Sweeper, error) {
	if atoms == nil {
		return nil, ErrAtomRepositoryRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		atoms:       atoms,
		index:       index,
		pool:        pool,
		limiter:     rate.NewLimiter(DefaultRate, DefaultRate),
		interval:    DefaultInterval,
		gracePeriod: DefaultGracePeriod,
		now:         time.Now,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(s); optErr != nil {
			s.pool.Release()
			return nil, optErr
		}
	}
	s.logger = s.logger.With("component", "gc")
	return s, nil
}

// Sweep purges every eligible atom. Sweeps never overlap; a call made
// while another sweep runs waits for it. Purge failures are collected and
// returned together after the sweep finishes.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	result := &Result{RunID: uuid.NewString()}
	cutoff := s.now().Add(-s.gracePeriod)

	ids, err := s.atoms.GCCandidates(ctx, cutoff, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	result.Candidates = len(ids)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []error
		newest core.AtomID
	)
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		wg.Add(1)
		submitErr := s.pool.Submit(func() {
			defer wg.Done()
			purged, err := s.atoms.Purge(ctx, id, cutoff)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, storage.ErrNotEligible):
				result.Revived++
			case err != nil:
				result.Failed++
				errs = append(errs, fmt.Errorf("purge atom %d: %w", id, err))
			default:
				for _, modelID := range purged.Models {
					if s.index.Remove(modelID, id) {
						result.Unindexed++
					}
				}
				result.Purged++
				newest = max(newest, id)
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			result.Failed++
			errs = append(errs, fmt.Errorf("submit purge of atom %d: %w", id, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()

	if s.landmarks != nil && s.embeddings != nil {
		pruned, err := s.pruneLandmarks(ctx)
		result.LandmarkSetsPruned = pruned
		if err != nil {
			errs = append(errs, fmt.Errorf("prune landmark sets: %w", err))
		}
	}

	if s.checkpoints != nil && newest != 0 {
		cp := &core.Checkpoint{ProcessorType: CheckpointType, LastID: newest}
		if err := s.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			errs = append(errs, fmt.Errorf("save checkpoint: %w", err))
		}
	}

	result.Elapsed = time.Since(start)
	s.logger.Info("sweep complete", "run_id", result.RunID, "candidates", result.Candidates,
		"purged", result.Purged, "revived", result.Revived, "failed", result.Failed,
		"landmark_sets_pruned", result.LandmarkSetsPruned, "elapsed", result.Elapsed)
	return result, errors.Join(errs...)
}

// pruneLandmarks deletes retired landmark sets whose version no embedding records.
func (s *Sweeper) pruneLandmarks(ctx context.Context) (int, error) {
	models, err := s.embeddings.Models(ctx)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, model := range models {
		sets, err := s.landmarks.ListLandmarkSets(ctx, model.ModelID)
		if err != nil {
			return pruned, err
		}
		inUse, err := s.embeddings.LandmarkVersionsInUse(ctx, model.ModelID)
		if err != nil {
			return pruned, err
		}
		for _, set := range sets {
			if set.State != core.LandmarkRetired || inUse[set.Version] > 0 {
				continue
			}
			if err := s.landmarks.DeleteLandmarkSet(ctx, set.ModelID, set.Version); err != nil {
				return pruned, err
			}
			s.logger.Debug("pruned landmark set", "model", set.ModelID, "version", set.Version)
			pruned++
		}
	}
	return pruned, nil
}

// Start schedules a sweep every interval.
func (s *Sweeper) Start() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}
	c := cron.New()
	_, err := c.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "interval", s.interval, "grace_period", s.gracePeriod)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Close stops the schedule and releases the worker pool.
func (s *Sweeper) Close() {
	s.Stop()
	s.pool.Release()
}
