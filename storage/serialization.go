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

package storage

import (
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/atomstore/core"
)

// Records are encoded field by field with mus-go serializers in declaration
// order. Timestamps are Unix microseconds, with 0 standing for the zero time.

type serializer[T any] interface {
	Marshal(v T, bs []byte) (n int)
	Unmarshal(bs []byte) (v T, n int, err error)
	Size(v T) (size int)
}

type writer struct {
	buf []byte
}

func put[T any](w *writer, s serializer[T], v T) {
	size := s.Size(v)
	start := len(w.buf)
	if cap(w.buf)-start < size {
		grown := make([]byte, start, 2*cap(w.buf)+size)
		copy(grown, w.buf)
		w.buf = grown
	}
	w.buf = w.buf[:start+size]
	s.Marshal(v, w.buf[start:])
}

func (w *writer) uint64(v uint64)   { put[uint64](w, varint.Uint64, v) }
func (w *writer) int64(v int64)     { put[int64](w, varint.Int64, v) }
func (w *writer) string(v string)   { put[string](w, ord.String, v) }
func (w *writer) bool(v bool)       { put[bool](w, ord.Bool, v) }
func (w *writer) float32(v float32) { put[float32](w, raw.Float32, v) }
func (w *writer) float64(v float64) { put[float64](w, raw.Float64, v) }

func (w *writer) bytes(v []byte) {
	w.uint64(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) time(t time.Time) {
	if t.IsZero() {
		w.int64(0)
		return
	}
	w.int64(t.UnixMicro())
}

func (w *writer) float32s(v []float32) {
	w.uint64(uint64(len(v)))
	for _, x := range v {
		w.float32(x)
	}
}

func (w *writer) float64s(v []float64) {
	w.uint64(uint64(len(v)))
	for _, x := range v {
		w.float64(x)
	}
}

type reader struct {
	buf []byte
	err error
}

func get[T any](r *reader, s serializer[T]) T {
	var zero T
	if r.err != nil {
		return zero
	}
	v, n, err := s.Unmarshal(r.buf)
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
		return zero
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) uint64() uint64   { return get[uint64](r, varint.Uint64) }
func (r *reader) int64() int64     { return get[int64](r, varint.Int64) }
func (r *reader) string() string   { return get[string](r, ord.String) }
func (r *reader) bool() bool       { return get[bool](r, ord.Bool) }
func (r *reader) float32() float32 { return get[float32](r, raw.Float32) }
func (r *reader) float64() float64 { return get[float64](r, raw.Float64) }

// length reads a collection length and checks that at least minSize bytes
// per element remain.
func (r *reader) length(minSize int) int {
	n := r.uint64()
	if r.err != nil {
		return 0
	}
	if n > uint64(len(r.buf)/max(minSize, 1)) {
		r.err = ErrTruncatedData
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.length(1)
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *reader) time() time.Time {
	us := r.int64()
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func (r *reader) float32s() []float32 {
	n := r.length(4)
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = r.float32()
	}
	return out
}

func (r *reader) float64s() []float64 {
	n := r.length(8)
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.float64()
	}
	return out
}

func (r *reader) hash() core.ContentHash {
	var h core.ContentHash
	if r.err != nil {
		return h
	}
	if len(r.buf) < core.HashSize {
		r.err = ErrTruncatedData
		return h
	}
	copy(h[:], r.buf[:core.HashSize])
	r.buf = r.buf[core.HashSize:]
	return h
}

func (w *writer) hash(h core.ContentHash) {
	w.buf = append(w.buf, h[:]...)
}

// MarshalAtomID serializes an AtomID to bytes.
func MarshalAtomID(id core.AtomID) []byte {
	w := writer{}
	w.uint64(uint64(id))
	return w.buf
}

// UnmarshalAtomID deserializes an AtomID from bytes.
func UnmarshalAtomID(data []byte) (core.AtomID, error) {
	r := reader{buf: data}
	id := core.AtomID(r.uint64())
	return id, r.err
}

// MarshalAtom serializes an Atom head row to bytes.
func MarshalAtom(atom *core.Atom) []byte {
	w := writer{buf: make([]byte, 0, 96+len(atom.Inline)+len(atom.Subtype))}
	w.uint64(uint64(atom.ID))
	w.hash(atom.ContentHash)
	w.uint64(uint64(atom.Modality))
	w.string(atom.Subtype)
	w.bytes(atom.Inline)
	w.int64(atom.Size)
	w.int64(atom.RefCount)
	w.uint64(uint64(atom.Version))
	w.time(atom.ValidFrom)
	w.time(atom.CreatedAt)
	w.time(atom.UpdatedAt)
	w.time(atom.ZeroedAt)
	return w.buf
}

// UnmarshalAtom deserializes an Atom head row from bytes.
func UnmarshalAtom(data []byte) (*core.Atom, error) {
	r := reader{buf: data}
	atom := &core.Atom{
		ID:          core.AtomID(r.uint64()),
		ContentHash: r.hash(),
		Modality:    core.Modality(r.uint64()),
		Subtype:     r.string(),
		Inline:      r.bytes(),
		Size:        r.int64(),
		RefCount:    r.int64(),
		Version:     uint32(r.uint64()),
		ValidFrom:   r.time(),
		CreatedAt:   r.time(),
		UpdatedAt:   r.time(),
		ZeroedAt:    r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return atom, nil
}

// MarshalAtomVersion serializes an AtomVersion to bytes.
func MarshalAtomVersion(v *core.AtomVersion) []byte {
	w := writer{buf: make([]byte, 0, 80+len(v.Inline)+len(v.Subtype))}
	w.uint64(uint64(v.AtomID))
	w.uint64(uint64(v.Version))
	w.hash(v.ContentHash)
	w.uint64(uint64(v.Modality))
	w.string(v.Subtype)
	w.bytes(v.Inline)
	w.int64(v.Size)
	w.time(v.ValidFrom)
	w.time(v.ValidTo)
	return w.buf
}

// UnmarshalAtomVersion deserializes an AtomVersion from bytes.
func UnmarshalAtomVersion(data []byte) (*core.AtomVersion, error) {
	r := reader{buf: data}
	v := &core.AtomVersion{
		AtomID:      core.AtomID(r.uint64()),
		Version:     uint32(r.uint64()),
		ContentHash: r.hash(),
		Modality:    core.Modality(r.uint64()),
		Subtype:     r.string(),
		Inline:      r.bytes(),
		Size:        r.int64(),
		ValidFrom:   r.time(),
		ValidTo:     r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}

// MarshalEmbedding serializes an Embedding to bytes.
func MarshalEmbedding(e *core.Embedding) []byte {
	w := writer{buf: make([]byte, 0, 32+len(e.ModelID)+5*len(e.Vector)+9*len(e.Coordinate))}
	w.uint64(uint64(e.AtomID))
	w.string(e.ModelID)
	w.float32s(e.Vector)
	w.float64s(e.Coordinate)
	w.uint64(e.LandmarkVersion)
	w.time(e.InsertedAt)
	w.time(e.UpdatedAt)
	return w.buf
}

// UnmarshalEmbedding deserializes an Embedding from bytes.
func UnmarshalEmbedding(data []byte) (*core.Embedding, error) {
	r := reader{buf: data}
	e := &core.Embedding{
		AtomID:          core.AtomID(r.uint64()),
		ModelID:         r.string(),
		Vector:          r.float32s(),
		Coordinate:      r.float64s(),
		LandmarkVersion: r.uint64(),
		InsertedAt:      r.time(),
		UpdatedAt:       r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// MarshalModelInfo serializes a ModelInfo to bytes.
func MarshalModelInfo(m *core.ModelInfo) []byte {
	w := writer{}
	w.string(m.ModelID)
	w.uint64(uint64(m.Dimension))
	w.time(m.CreatedAt)
	return w.buf
}

// UnmarshalModelInfo deserializes a ModelInfo from bytes.
func UnmarshalModelInfo(data []byte) (*core.ModelInfo, error) {
	r := reader{buf: data}
	m := &core.ModelInfo{
		ModelID:   r.string(),
		Dimension: int(r.uint64()),
		CreatedAt: r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// MarshalLandmarkSet serializes a LandmarkSet to bytes.
func MarshalLandmarkSet(s *core.LandmarkSet) []byte {
	w := writer{buf: make([]byte, 0, 48+len(s.ModelID)+len(s.Landmarks)*(s.Dimension*5+2))}
	w.string(s.ModelID)
	w.uint64(s.Version)
	w.uint64(uint64(s.Dimension))
	w.uint64(uint64(s.Metric))
	w.uint64(uint64(len(s.Landmarks)))
	for _, l := range s.Landmarks {
		w.float32s(l)
	}
	w.uint64(uint64(s.State))
	w.time(s.CreatedAt)
	w.time(s.UpdatedAt)
	return w.buf
}

// UnmarshalLandmarkSet deserializes a LandmarkSet from bytes.
func UnmarshalLandmarkSet(data []byte) (*core.LandmarkSet, error) {
	r := reader{buf: data}
	s := &core.LandmarkSet{
		ModelID:   r.string(),
		Version:   r.uint64(),
		Dimension: int(r.uint64()),
		Metric:    core.Metric(r.uint64()),
	}
	n := r.length(1)
	if n > 0 {
		s.Landmarks = make([][]float32, n)
		for i := range s.Landmarks {
			s.Landmarks[i] = r.float32s()
		}
	}
	s.State = core.LandmarkState(r.uint64())
	s.CreatedAt = r.time()
	s.UpdatedAt = r.time()
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// MarshalEdge serializes an Edge to bytes.
func MarshalEdge(e *core.Edge) []byte {
	w := writer{}
	w.uint64(uint64(e.From))
	w.string(string(e.Kind))
	w.uint64(uint64(e.To))
	w.time(e.CreatedAt)
	return w.buf
}

// UnmarshalEdge deserializes an Edge from bytes.
func UnmarshalEdge(data []byte) (*core.Edge, error) {
	r := reader{buf: data}
	e := &core.Edge{
		From:      core.AtomID(r.uint64()),
		Kind:      core.EdgeKind(r.string()),
		To:        core.AtomID(r.uint64()),
		CreatedAt: r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// MarshalReport serializes a NearDuplicateReport to bytes.
func MarshalReport(rep *core.NearDuplicateReport) []byte {
	w := writer{}
	w.string(rep.ID)
	w.uint64(uint64(rep.AtomID))
	w.uint64(uint64(rep.CandidateID))
	w.string(rep.ModelID)
	w.float64(rep.Similarity)
	w.float64(rep.CoordinateDistance)
	w.time(rep.DetectedAt)
	return w.buf
}

// UnmarshalReport deserializes a NearDuplicateReport from bytes.
func UnmarshalReport(data []byte) (*core.NearDuplicateReport, error) {
	r := reader{buf: data}
	rep := &core.NearDuplicateReport{
		ID:                 r.string(),
		AtomID:             core.AtomID(r.uint64()),
		CandidateID:        core.AtomID(r.uint64()),
		ModelID:            r.string(),
		Similarity:         r.float64(),
		CoordinateDistance: r.float64(),
		DetectedAt:         r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return rep, nil
}

// MarshalCheckpoint serializes a Checkpoint to bytes.
func MarshalCheckpoint(checkpoint *core.Checkpoint) []byte {
	w := writer{}
	w.string(checkpoint.ProcessorType)
	w.uint64(uint64(checkpoint.LastID))
	w.time(checkpoint.UpdatedAt)
	return w.buf
}

// UnmarshalCheckpoint deserializes a Checkpoint from bytes.
func UnmarshalCheckpoint(data []byte) (*core.Checkpoint, error) {
	r := reader{buf: data}
	checkpoint := &core.Checkpoint{
		ProcessorType: r.string(),
		LastID:        core.AtomID(r.uint64()),
		UpdatedAt:     r.time(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return checkpoint, nil
}
