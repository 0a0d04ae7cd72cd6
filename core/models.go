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
	"fmt"
	"time"
)

// InlineLimit is the largest content size stored inline in an atom row.
// Larger content lives in the blob store and the atom only references it.
const InlineLimit = 64

// AtomID is the stable identity of an atom. IDs are never reused.
type AtomID uint64

// Modality discriminates what kind of content an atom holds.
type Modality uint8

const (
	// ModalityText is a text token.
	ModalityText Modality = iota + 1
	// ModalityPixel is a packed RGBA pixel.
	ModalityPixel
	// ModalityTensorWeight is a single (quantized) model weight.
	ModalityTensorWeight
	// ModalityCodeNode is a code AST node.
	ModalityCodeNode
	// ModalityBinary is opaque content with no structured payload.
	ModalityBinary
)

// Modalities lists every known modality.
var Modalities = []Modality{
	ModalityText,
	ModalityPixel,
	ModalityTensorWeight,
	ModalityCodeNode,
	ModalityBinary,
}

func (m Modality) String() string {
	switch m {
	case ModalityText:
		return "text"
	case ModalityPixel:
		return "pixel"
	case ModalityTensorWeight:
		return "tensor_weight"
	case ModalityCodeNode:
		return "code_node"
	case ModalityBinary:
		return "binary"
	default:
		return fmt.Sprintf("modality(%d)", m)
	}
}

// ParseModality maps a modality name back to its value.
func ParseModality(name string) (Modality, error) {
	for _, m := range Modalities {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidModality, name)
}

// Atom is the current state of a deduplicated unit of content.
// The fields mirror the current version plus the lifecycle bookkeeping
// that is shared by all versions.
type Atom struct {
	ID          AtomID
	ContentHash ContentHash
	Modality    Modality
	Subtype     string
	Inline      []byte // content when Size <= InlineLimit, nil otherwise
	Size        int64  // content length in bytes
	RefCount    int64
	Version     uint32    // current version number, starting at 1
	ValidFrom   time.Time // start of the current version
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ZeroedAt    time.Time // when RefCount last reached zero; zero while referenced
}

// IsReferenced reports whether the atom still has live references.
func (a *Atom) IsReferenced() bool {
	return a.RefCount > 0
}

// IsInline reports whether the atom content is stored in the row itself.
func (a *Atom) IsInline() bool {
	return a.Size <= InlineLimit
}

// CurrentVersion returns the open version described by the atom row.
func (a *Atom) CurrentVersion() *AtomVersion {
	return &AtomVersion{
		AtomID:      a.ID,
		Version:     a.Version,
		ContentHash: a.ContentHash,
		Modality:    a.Modality,
		Subtype:     a.Subtype,
		Inline:      a.Inline,
		Size:        a.Size,
		ValidFrom:   a.ValidFrom,
	}
}

// AtomVersion is one entry of an atom's version chain.
// Validity is the half-open interval [ValidFrom, ValidTo); a zero ValidTo
// marks the current version.
type AtomVersion struct {
	AtomID      AtomID
	Version     uint32
	ContentHash ContentHash
	Modality    Modality
	Subtype     string
	Inline      []byte
	Size        int64
	ValidFrom   time.Time
	ValidTo     time.Time
}

// IsCurrent reports whether the version is still open.
func (v *AtomVersion) IsCurrent() bool {
	return v.ValidTo.IsZero()
}

// ValidAt reports whether the version was the valid one at t.
func (v *AtomVersion) ValidAt(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo.IsZero() || t.Before(v.ValidTo)
}

// Payload decodes the inline content into its typed form.
// Referenced (non-inline) content has no inline payload.
func (v *AtomVersion) Payload() (Payload, error) {
	if v.Size > InlineLimit {
		return nil, fmt.Errorf("%w: atom %d version %d", ErrNotInline, v.AtomID, v.Version)
	}
	return DecodePayload(v.Modality, v.Inline)
}

// Embedding is one vector for an (atom, model) pair together with its
// projected coordinate. Coordinate is only meaningful together with the
// landmark set version that produced it.
type Embedding struct {
	AtomID          AtomID
	ModelID         string
	Vector          []float32
	Coordinate      []float64
	LandmarkVersion uint64 // 0 while the embedding has not been projected
	InsertedAt      time.Time
	UpdatedAt       time.Time
}

// IsProjectedWith reports whether the coordinate was derived from the given
// landmark set version.
func (e *Embedding) IsProjectedWith(version uint64) bool {
	return version != 0 && e.LandmarkVersion == version && len(e.Coordinate) > 0
}

// ModelInfo records the fixed dimensionality of an embedding model.
type ModelInfo struct {
	ModelID   string
	Dimension int
	CreatedAt time.Time
}

// Metric is the distance function used for similarity.
type Metric uint8

const (
	// MetricCosine is cosine distance, 1 - cos(a, b).
	MetricCosine Metric = iota + 1
	// MetricEuclidean is the L2 distance.
	MetricEuclidean
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	default:
		return fmt.Sprintf("metric(%d)", m)
	}
}

// ParseMetric maps a metric name back to its value.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "cosine":
		return MetricCosine, nil
	case "euclidean", "l2":
		return MetricEuclidean, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMetric, name)
}

// LandmarkState is the lifecycle stage of a landmark set.
type LandmarkState uint8

const (
	LandmarkCreated LandmarkState = iota + 1
	LandmarkActive
	LandmarkRetired
)

func (s LandmarkState) String() string {
	switch s {
	case LandmarkCreated:
		return "created"
	case LandmarkActive:
		return "active"
	case LandmarkRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// LandmarkSet is an immutable set of reference vectors for one model.
// Once active it is never mutated; rotation replaces it with a new version.
type LandmarkSet struct {
	ModelID   string
	Version   uint64
	Dimension int
	Metric    Metric
	Landmarks [][]float32
	State     LandmarkState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Count returns the number of landmarks, which is also the coordinate dimension.
func (s *LandmarkSet) Count() int {
	return len(s.Landmarks)
}

// EdgeKind names a relation between atoms.
type EdgeKind string

const (
	EdgeContains    EdgeKind = "contains"
	EdgeDerivedFrom EdgeKind = "derived_from"
)

// Edge is a directed relation between two atoms. Edges live in their own
// adjacency table so atoms never hold pointers to each other.
type Edge struct {
	From      AtomID
	Kind      EdgeKind
	To        AtomID
	CreatedAt time.Time
}

// NearDuplicateReport flags two atoms whose embeddings are nearly identical
// although their content hashes differ. Reports are never acted on
// automatically.
type NearDuplicateReport struct {
	ID                 string
	AtomID             AtomID
	CandidateID        AtomID
	ModelID            string
	Similarity         float64
	CoordinateDistance float64
	DetectedAt         time.Time
}

// Checkpoint records how far a background processor got.
type Checkpoint struct {
	ProcessorType string
	LastID        AtomID
	UpdatedAt     time.Time
}
