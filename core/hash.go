package core

import (
	"encoding/hex"
	"fmt"

	"github.com/go-crypt/x/blake2b"
)

// HashSize is the digest size in bytes (256 bits).
const HashSize = 32

// ContentHash is the dedup key of an atom. Equal hashes are treated as equal
// content; no byte comparison backs it up.
type ContentHash [HashSize]byte

// HashContent digests content under its modality. The modality byte is part
// of the digest so identical bytes of different modalities stay distinct.
func HashContent(m Modality, content []byte) ContentHash {
	h, _ := blake2b.New256(nil) // unkeyed; only fails for oversized keys
	h.Write([]byte{byte(m)})
	h.Write(content)
	var sum ContentHash
	copy(sum[:], h.Sum(nil))
	return sum
}

// HashPayload digests a typed payload.
func HashPayload(p Payload) ContentHash {
	return HashContent(p.Modality(), p.Encode())
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// ParseContentHash decodes a hex encoded hash.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse content hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("parse content hash: expected %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}
