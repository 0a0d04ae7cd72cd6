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
	"errors"

	"github.com/poiesic/atomstore/blob"
)

// Repositories bundles every repository sharing one backend.
type Repositories struct {
	Backend     *Backend
	Atoms       *AtomRepository
	Embeddings  *EmbeddingRepository
	Landmarks   *LandmarkRepository
	Relations   *RelationRepository
	Reports     *ReportRepository
	Checkpoints *CheckpointRepository
	// Blobs is the raw (uncompressed) blob store on the backend.
	Blobs *BlobStore
}

// NewRepositories creates every repository on top of an open backend.
// The backend stays owned by the caller unless Close is used.
func NewRepositories(backend *Backend, opts ...AtomOption) (*Repositories, error) {
	atoms, err := NewAtomRepository(backend, opts...)
	if err != nil {
		return nil, err
	}
	embeddings, err := NewEmbeddingRepository(backend)
	if err != nil {
		atoms.Close()
		return nil, err
	}
	landmarks, err := NewLandmarkRepository(backend)
	if err != nil {
		atoms.Close()
		return nil, err
	}
	relations, err := NewRelationRepository(backend)
	if err != nil {
		atoms.Close()
		return nil, err
	}
	reports, err := NewReportRepository(backend)
	if err != nil {
		atoms.Close()
		return nil, err
	}

	return &Repositories{
		Backend:     backend,
		Atoms:       atoms,
		Embeddings:  embeddings,
		Landmarks:   landmarks,
		Relations:   relations,
		Reports:     reports,
		Checkpoints: NewCheckpointRepository(backend),
		Blobs:       NewBlobStore(backend),
	}, nil
}

// NewMemoryRepositories creates in-memory repositories for testing.
// Caller must call Close when done.
func NewMemoryRepositories(opts ...AtomOption) (*Repositories, error) {
	backend, err := OpenBackend("", true)
	if err != nil {
		return nil, err
	}
	repos, err := NewRepositories(backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return repos, nil
}

// ContentStore returns the store atom content is read from.
func (r *Repositories) ContentStore() blob.Store {
	return r.Atoms.Blobs()
}

// Close releases the repositories and closes the backend.
func (r *Repositories) Close() error {
	return errors.Join(r.Atoms.Close(), r.Backend.Close())
}
