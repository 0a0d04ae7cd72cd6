package core

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContent_Deterministic(t *testing.T) {
	h1 := HashContent(ModalityText, []byte("hello"))
	h2 := HashContent(ModalityText, []byte("hello"))
	assert.Equal(t, h1, h2)
	assert.False(t, h1.IsZero())
}

func TestHashContent_ModalitySeparated(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	assert.NotEqual(t, HashContent(ModalityPixel, data), HashContent(ModalityBinary, data))
}

func TestHashContent_NoCollisions(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	seen := make(map[ContentHash]string, 5000)

	for i := 0; i < 5000; i++ {
		buf := make([]byte, 1+rng.IntN(96))
		for j := range buf {
			buf[j] = byte(rng.UintN(256))
		}
		h := HashContent(ModalityBinary, buf)
		if prev, ok := seen[h]; ok {
			if prev != string(buf) {
				t.Fatalf("collision between distinct payloads at iteration %d", i)
			}
			continue
		}
		seen[h] = string(buf)
	}
}

func TestHashPayload_MatchesHashContent(t *testing.T) {
	p := Pixel{R: 1, G: 2, B: 3, A: 255}
	assert.Equal(t, HashContent(ModalityPixel, p.Encode()), HashPayload(p))
}

func TestParseContentHash(t *testing.T) {
	h := HashContent(ModalityText, []byte("round trip"))
	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseContentHash("abcd")
	assert.Error(t, err)
	_, err = ParseContentHash("not hex")
	assert.Error(t, err)
}
