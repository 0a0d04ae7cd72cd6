package spatial

import (
	"context"
	"fmt"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/atomstore/blob"
	"github.com/poiesic/atomstore/core"
)

// Snapshots are written as a magic tag and format number followed by the
// model, landmark version, dimension and items, then compressed with lz4.

const (
	snapshotMagic  = "ASIX"
	snapshotFormat = 1
)

// EncodeSnapshot serializes the items of a snapshot.
func EncodeSnapshot(s *Snapshot) []byte {
	items := s.Tree.Items()
	dims := s.Tree.Dims()

	size := len(snapshotMagic) +
		varint.Uint64.Size(snapshotFormat) +
		ord.String.Size(s.ModelID) +
		varint.Uint64.Size(s.LandmarkVersion) +
		varint.Uint64.Size(uint64(dims)) +
		varint.Uint64.Size(uint64(len(items)))
	for _, it := range items {
		size += varint.Uint64.Size(uint64(it.AtomID)) + dims*raw.Float64.Size(0)
	}

	bs := make([]byte, size)
	n := copy(bs, snapshotMagic)
	n += varint.Uint64.Marshal(snapshotFormat, bs[n:])
	n += ord.String.Marshal(s.ModelID, bs[n:])
	n += varint.Uint64.Marshal(s.LandmarkVersion, bs[n:])
	n += varint.Uint64.Marshal(uint64(dims), bs[n:])
	n += varint.Uint64.Marshal(uint64(len(items)), bs[n:])
	for _, it := range items {
		n += varint.Uint64.Marshal(uint64(it.AtomID), bs[n:])
		for _, x := range it.Point {
			n += raw.Float64.Marshal(x, bs[n:])
		}
	}
	return bs[:n]
}

// DecodeSnapshot rebuilds a snapshot from EncodeSnapshot output.
func DecodeSnapshot(bs []byte) (*Snapshot, error) {
	if len(bs) < len(snapshotMagic) || string(bs[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("%w: missing header", ErrBadSnapshot)
	}
	d := decoder{bs: bs[len(snapshotMagic):]}

	if format := d.uint64(); d.err == nil && format != snapshotFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrBadSnapshot, format)
	}
	modelID := d.string()
	version := d.uint64()
	dims := int(d.uint64())
	count := d.uint64()
	if d.err != nil {
		return nil, d.err
	}
	// Every item takes at least one id byte plus its coordinates.
	if count > uint64(len(d.bs)/(1+8*max(dims, 1))) {
		return nil, fmt.Errorf("%w: truncated items", ErrBadSnapshot)
	}

	tree, err := NewRTree(dims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, err)
	}
	point := make([]float64, dims)
	for i := uint64(0); i < count; i++ {
		id := core.AtomID(d.uint64())
		for j := range point {
			point[j] = d.float64()
		}
		if d.err != nil {
			return nil, d.err
		}
		if err := tree.Insert(point, id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, err)
		}
	}
	return &Snapshot{ModelID: modelID, LandmarkVersion: version, Tree: tree}, nil
}

type decoder struct {
	bs  []byte
	err error
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(d.bs)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrBadSnapshot, err)
		return 0
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) float64() float64 {
	if d.err != nil {
		return 0
	}
	v, n, err := raw.Float64.Unmarshal(d.bs)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrBadSnapshot, err)
		return 0
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrBadSnapshot, err)
		return ""
	}
	d.bs = d.bs[n:]
	return v
}

// SaveSnapshot writes an lz4 compressed snapshot to the blob store under
// blob.SnapshotKey.
func SaveSnapshot(ctx context.Context, store blob.Store, s *Snapshot) error {
	block, err := blob.Compress(EncodeSnapshot(s), blob.CodecLZ4)
	if err != nil {
		return err
	}
	return store.Put(ctx, blob.SnapshotKey(s.ModelID, s.LandmarkVersion), block)
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(ctx context.Context, store blob.Store, modelID string, version uint64) (*Snapshot, error) {
	block, err := store.Get(ctx, blob.SnapshotKey(modelID, version))
	if err != nil {
		return nil, err
	}
	data, err := blob.Decompress(block)
	if err != nil {
		return nil, err
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if s.ModelID != modelID || s.LandmarkVersion != version {
		return nil, fmt.Errorf("%w: key %q holds model %q version %d",
			ErrBadSnapshot, blob.SnapshotKey(modelID, version), s.ModelID, s.LandmarkVersion)
	}
	return s, nil
}

// DeleteSnapshots removes every stored snapshot of a model except version keep.
func DeleteSnapshots(ctx context.Context, store blob.Store, modelID string, keep uint64) error {
	keys, err := store.List(ctx, blob.SnapshotPrefix(modelID))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key == blob.SnapshotKey(modelID, keep) {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
