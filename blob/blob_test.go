package blob

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/poiesic/atomstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, AtomKey(1, 1), []byte("one")))
	require.NoError(t, store.Put(ctx, AtomKey(1, 2), []byte("two")))
	require.NoError(t, store.Put(ctx, AtomKey(12, 1), []byte("twelve")))

	got, err := store.Get(ctx, AtomKey(1, 2))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	keys, err := store.List(ctx, AtomPrefix(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"atoms/1/1", "atoms/1/2"}, keys)

	require.NoError(t, store.Delete(ctx, AtomKey(1, 1)))
	require.NoError(t, store.Delete(ctx, AtomKey(1, 1)), "delete is idempotent")

	_, err = store.Get(ctx, AtomKey(1, 1))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCompress_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(rng.UintN(256))
	}

	inputs := map[string][]byte{
		"empty":      {},
		"tiny":       []byte("hi"),
		"repetitive": bytes.Repeat([]byte("atomstore "), 500),
		"random":     random,
	}

	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		for name, data := range inputs {
			t.Run(codec.String()+"/"+name, func(t *testing.T) {
				block, err := Compress(data, codec)
				require.NoError(t, err)

				out, err := Decompress(block)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(out))
				assert.True(t, bytes.Equal(data, out))
			})
		}
	}
}

func TestCompress_Shrinks(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1000)
	for _, codec := range []Codec{CodecLZ4, CodecZstd} {
		block, err := Compress(data, codec)
		require.NoError(t, err)
		assert.Less(t, len(block), len(data)/4, codec.String())
		assert.Equal(t, byte(codec), block[0])
	}
}

func TestDecompress_Corrupt(t *testing.T) {
	_, err := Decompress([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decompress([]byte{9, 1, 0, 0, 0, 'x'})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCompressedStore(t *testing.T) {
	ctx := context.Background()
	raw := NewMemoryStore()
	store := NewCompressedStore(raw, CodecZstd)

	data := bytes.Repeat([]byte("pixel"), 200)
	require.NoError(t, store.Put(ctx, "atoms/3/1", data))

	stored, err := raw.Get(ctx, "atoms/3/1")
	require.NoError(t, err)
	assert.Less(t, len(stored), len(data))

	got, err := store.Get(ctx, "atoms/3/1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	keys, err := store.List(ctx, "atoms/")
	require.NoError(t, err)
	assert.Equal(t, []string{"atoms/3/1"}, keys)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "atoms/42/3", AtomKey(42, 3))
	assert.Equal(t, "index/mini/7.snap", SnapshotKey("mini", 7))
	assert.Equal(t, "index/mini/", SnapshotPrefix("mini"))
}
