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

package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// CheckpointRepository implements storage.CheckpointRepository for BadgerDB.
type CheckpointRepository struct {
	backend *Backend
}

var _ storage.CheckpointRepository = (*CheckpointRepository)(nil)

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(backend *Backend) *CheckpointRepository {
	return &CheckpointRepository{
		backend: backend,
	}
}

// SaveCheckpoint persists a checkpoint for a processor type.
func (r *CheckpointRepository) SaveCheckpoint(ctx context.Context, checkpoint *core.Checkpoint) error {
	if !validName(checkpoint.ProcessorType) {
		return fmt.Errorf("%w: processor type %q", ErrInvalidName, checkpoint.ProcessorType)
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		checkpoint.UpdatedAt = now()
		return tx.Set(makeCheckpointKey(checkpoint.ProcessorType), storage.MarshalCheckpoint(checkpoint))
	})
}

// LoadCheckpoint retrieves the checkpoint for a processor type.
// Returns nil, nil if no checkpoint exists.
func (r *CheckpointRepository) LoadCheckpoint(ctx context.Context, processorType string) (*core.Checkpoint, error) {
	var checkpoint *core.Checkpoint
	err := r.backend.View(func(tx *badger.Txn) error {
		val, err := readValue(tx, makeCheckpointKey(processorType))
		if err != nil || val == nil {
			return err
		}
		checkpoint, err = storage.UnmarshalCheckpoint(val)
		return err
	})
	return checkpoint, err
}

// DeleteCheckpoint removes the checkpoint for a processor type.
func (r *CheckpointRepository) DeleteCheckpoint(ctx context.Context, processorType string) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Delete(makeCheckpointKey(processorType))
	})
}
