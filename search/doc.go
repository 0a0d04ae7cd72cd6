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

// Package search implements two-phase similarity search over embeddings.
//
// The Searcher projects the query onto the model's active landmark set,
// asks the spatial index for a candidate pool a multiple of the requested
// size, then reranks the pool with the exact distance between the full
// vectors. Coordinate distances only decide which candidates are examined;
// they never decide the final order.
//
// When a model has no active landmark set, or its index was built from a
// retired one, the Searcher falls back to an exact scan of every embedding
// and reports the degradation in the result instead of failing.
package search
