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

package search

import "errors"

var (
	// ErrEmbeddingRepositoryRequired is returned when an embedding repository is not provided.
	ErrEmbeddingRepositoryRequired = errors.New("embedding repository required")

	// ErrLandmarksRequired is returned when a landmark source is not provided.
	ErrLandmarksRequired = errors.New("landmark source required")

	// ErrIndexRequired is returned when a spatial index source is not provided.
	ErrIndexRequired = errors.New("spatial index required")

	// ErrInvalidTopK is returned when a request asks for fewer than one result.
	ErrInvalidTopK = errors.New("top k must be positive")

	// ErrInvalidMultiplier is returned for a candidate multiplier below one.
	ErrInvalidMultiplier = errors.New("candidate multiplier must be at least 1")
)
