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

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing atom, embedding, landmark set or version.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientData indicates there are too few embeddings to build a landmark set.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrDimensionMismatch indicates a vector does not match its model's dimensionality.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrStaleIndex signals that a spatial index was built from a retired landmark set.
	// It is internal: queries degrade to brute force instead of failing.
	ErrStaleIndex = errors.New("stale spatial index")

	// ErrDuplicateRace signals two writers raced on the same content hash.
	// It is internal: the losing writer retries and reuses the winner's atom.
	ErrDuplicateRace = errors.New("duplicate content race")

	// ErrRefCountUnderflow indicates a release of an atom with no references left.
	ErrRefCountUnderflow = errors.New("reference count underflow")

	// ErrContentExists indicates a mutation to content already owned by another atom.
	ErrContentExists = errors.New("content already exists")

	// ErrNotInline indicates referenced content was asked for as an inline payload.
	ErrNotInline = errors.New("content is not inline")

	// ErrInvalidModality indicates an unknown Modality value.
	ErrInvalidModality = errors.New("invalid modality")

	// ErrInvalidMetric indicates an unknown Metric value.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrInvalidPayload indicates content that does not decode for its modality.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidEmbedding indicates an Embedding failed validation.
	ErrInvalidEmbedding = errors.New("invalid embedding")

	// ErrEmptyVector indicates a vector with no components.
	ErrEmptyVector = errors.New("vector cannot be empty")

	// ErrEmptyModelID indicates a missing embedding model identifier.
	ErrEmptyModelID = errors.New("model id cannot be empty")
)

// DimensionMismatchError carries the expected and actual dimensions.
// It matches ErrDimensionMismatch under errors.Is.
type DimensionMismatchError struct {
	ModelID  string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	if e.ModelID == "" {
		return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch for model %q: expected %d, got %d", e.ModelID, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// ContentExistsError names the atom that already owns the content.
type ContentExistsError struct {
	Owner AtomID
}

func (e *ContentExistsError) Error() string {
	return fmt.Sprintf("content already exists: owned by atom %d", e.Owner)
}

func (e *ContentExistsError) Is(target error) bool {
	return target == ErrContentExists
}
