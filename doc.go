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

// Package atomstore is an embedded content-addressable store for atoms with
// temporal versioning and hybrid similarity search.
//
// An atom is a small unit of content (a text token, a pixel, a tensor
// weight, a code node, or raw bytes) identified by the hash of its
// modality and bytes. Storing content that already exists increments the
// reference count of the existing atom instead of creating a new one.
// Changing an atom's content closes its current version and opens a new
// one, so every past state stays readable with GetAt.
//
// Embeddings attached to atoms are projected onto a handful of landmark
// vectors per model and indexed in an R-tree over the resulting distance
// coordinates. Search takes a candidate pool from the tree and reranks it
// with the exact metric, falling back to a brute-force scan while no
// landmarks exist or the index is being rebuilt.
//
// # Usage
//
//	store, err := atomstore.Open(ctx, "data/atoms")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	item := ingestion.TextItem("hello", "token")
//	item.ModelID, item.Vector = "mini-lm", vector
//	result, err := store.Put(ctx, item)
//
//	hits, err := store.Search(ctx, search.Request{ModelID: "mini-lm", Vector: query, TopK: 5})
//
// Open starts a garbage collection sweeper unless it is disabled in the
// configuration. Close waits for background work.
package atomstore
