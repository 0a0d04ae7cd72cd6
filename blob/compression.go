package blob

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to a block.
type Codec uint8

const (
	// CodecNone stores the block as is.
	CodecNone Codec = 0
	// CodecLZ4 is fast block compression, used for index snapshots.
	CodecLZ4 Codec = 1
	// CodecZstd trades speed for ratio, used for atom content.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", c)
	}
}

// ParseCodec maps a codec name back to its value.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// Block header: [codec uint8][uncompressed size uint32].
// The codec byte reflects what was actually applied, so a block that did
// not shrink is stored with CodecNone and decodes without the caller
// knowing which codec was requested.
const headerSize = 5

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compress encodes data with the given codec and prepends the block header.
func Compress(data []byte, codec Codec) ([]byte, error) {
	var body []byte
	switch codec {
	case CodecNone:
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		// n == 0 means incompressible
		body = buf[:n]
	case CodecZstd:
		enc := getZstdEncoder()
		body = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}

	if len(body) == 0 || len(body) >= len(data) {
		codec = CodecNone
		body = data
	}

	out := make([]byte, headerSize+len(body))
	out[0] = byte(codec)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decompress reverses Compress.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < headerSize {
		return nil, fmt.Errorf("%w: block too small for header", ErrCorrupt)
	}
	codec := Codec(block[0])
	size := int(binary.LittleEndian.Uint32(block[1:]))
	body := block[headerSize:]

	switch codec {
	case CodecNone:
		if len(body) != size {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	case CodecZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, codec)
	}
}

// CompressedStore compresses blobs on the way into an underlying Store.
type CompressedStore struct {
	Store
	codec Codec
}

// NewCompressedStore wraps store so that every Put is compressed with codec
// and every Get is decompressed.
func NewCompressedStore(store Store, codec Codec) *CompressedStore {
	return &CompressedStore{Store: store, codec: codec}
}

// Put compresses data and stores it.
func (s *CompressedStore) Put(ctx context.Context, key string, data []byte) error {
	block, err := Compress(data, s.codec)
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, key, block)
}

// Get loads and decompresses a blob.
func (s *CompressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	block, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return Decompress(block)
}
