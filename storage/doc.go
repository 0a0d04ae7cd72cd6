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

// Package storage provides the durable row store contracts for atomstore.
//
// This package defines repository interfaces that decouple storage implementation
// from the engine. The BadgerDB implementation lives in storage/badger.
//
// # Architecture
//
// The storage layer follows the Repository pattern:
//
//   - AtomRepository: content-addressed atoms, reference counts and version history
//   - EmbeddingRepository: one vector per (atom, model) plus its projected coordinate
//   - LandmarkRepository: versioned landmark sets and the active pointer per model
//   - RelationRepository: "contains" and "derived_from" edges between atoms
//   - ReportRepository: near-duplicate reports
//   - CheckpointRepository: progress of background processors
//
// # Addressing
//
// Atoms are addressable by id (primary) and by content hash (unique among
// current atoms). Embeddings are addressable by (atom id, model id).
//
// # Usage
//
// Use in tests with in-memory storage:
//
//	repos, err := badger.NewMemoryRepositories()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repos.Close()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines. Atom upserts of identical
// content from concurrent writers resolve to a single atom.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support. Pass context.Background() for operations
// without specific timeout requirements.
package storage
