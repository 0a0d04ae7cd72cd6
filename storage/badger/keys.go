package badger

import (
	"encoding/binary"
	"strings"

	"github.com/poiesic/atomstore/core"
)

// Key prefixes for different data types.
// Integers are written big endian so lexicographic order matches numeric order.
const (
	atomPrefix          = "atom:"   // atom:<id>                       -> Atom
	atomVersionPrefix   = "atomv:"  // atomv:<id><version>             -> AtomVersion
	atomHashPrefix      = "atomh:"  // atomh:<hash>                    -> AtomID
	atomModalityPrefix  = "atomm:"  // atomm:<modality><id>            -> empty
	gcQueuePrefix       = "gcq:"    // gcq:<zeroed at us><id>          -> empty
	embeddingPrefix     = "emb:"    // emb:<model>\x00<atom id>        -> Embedding
	embeddingAtomPrefix = "emba:"   // emba:<atom id><model>           -> empty
	modelPrefix         = "model:"  // model:<model>                   -> ModelInfo
	landmarkPrefix      = "lms:"    // lms:<model>\x00<version>        -> LandmarkSet
	landmarkActive      = "lmsact:" // lmsact:<model>                  -> version
	landmarkSeqPrefix   = "lmsseq:" // lmsseq:<model>                  -> last version
	relationPrefix      = "rel:"    // rel:<from><kind>\x00<to>        -> Edge
	relationRevPrefix   = "relr:"   // relr:<to><kind>\x00<from>       -> Edge
	reportPrefix        = "ndup:"   // ndup:<atom><candidate><model>   -> NearDuplicateReport
	reportRevPrefix     = "ndupr:"  // ndupr:<candidate><atom><model>  -> forward key
	checkpointPrefix    = "chkpt:"  // chkpt:<processor type>          -> Checkpoint
	blobPrefix          = "blob:"   // blob:<key>                      -> bytes
	atomIDSeq           = "atomseq"
)

// separator terminates variable length string components.
const separator = 0x00

type keyBuilder []byte

func newKey(prefix string, capacity int) keyBuilder {
	k := make(keyBuilder, 0, len(prefix)+capacity)
	return append(k, prefix...)
}

func (k keyBuilder) u64(v uint64) keyBuilder {
	return binary.BigEndian.AppendUint64(k, v)
}

func (k keyBuilder) u32(v uint32) keyBuilder {
	return binary.BigEndian.AppendUint32(k, v)
}

func (k keyBuilder) str(s string) keyBuilder {
	return append(k, s...)
}

func (k keyBuilder) term(s string) keyBuilder {
	return append(append(k, s...), separator)
}

func makeAtomKey(id core.AtomID) []byte {
	return newKey(atomPrefix, 8).u64(uint64(id))
}

func makeAtomVersionKey(id core.AtomID, version uint32) []byte {
	return newKey(atomVersionPrefix, 12).u64(uint64(id)).u32(version)
}

// makePartialAtomVersionKey generates the prefix shared by all versions of an atom.
func makePartialAtomVersionKey(id core.AtomID) []byte {
	return newKey(atomVersionPrefix, 8).u64(uint64(id))
}

func makeAtomHashKey(hash core.ContentHash) []byte {
	return newKey(atomHashPrefix, core.HashSize).str(string(hash[:]))
}

func makeAtomModalityKey(m core.Modality, id core.AtomID) []byte {
	return append(newKey(atomModalityPrefix, 9), byte(m)).u64(uint64(id))
}

func makePartialAtomModalityKey(m core.Modality) []byte {
	return append(newKey(atomModalityPrefix, 1), byte(m))
}

// makeGCKey orders candidates by the time their reference count reached zero.
func makeGCKey(zeroedAt int64, id core.AtomID) []byte {
	return newKey(gcQueuePrefix, 16).u64(uint64(zeroedAt)).u64(uint64(id))
}

func parseGCKey(key []byte) (int64, core.AtomID) {
	rest := key[len(gcQueuePrefix):]
	return int64(binary.BigEndian.Uint64(rest)), core.AtomID(binary.BigEndian.Uint64(rest[8:]))
}

func makeEmbeddingKey(modelID string, id core.AtomID) []byte {
	return newKey(embeddingPrefix, len(modelID)+9).term(modelID).u64(uint64(id))
}

func makePartialEmbeddingKey(modelID string) []byte {
	return newKey(embeddingPrefix, len(modelID)+1).term(modelID)
}

func makeEmbeddingAtomKey(id core.AtomID, modelID string) []byte {
	return newKey(embeddingAtomPrefix, 8+len(modelID)).u64(uint64(id)).str(modelID)
}

func makePartialEmbeddingAtomKey(id core.AtomID) []byte {
	return newKey(embeddingAtomPrefix, 8).u64(uint64(id))
}

func makeModelKey(modelID string) []byte {
	return newKey(modelPrefix, len(modelID)).str(modelID)
}

func makeLandmarkKey(modelID string, version uint64) []byte {
	return newKey(landmarkPrefix, len(modelID)+9).term(modelID).u64(version)
}

func makePartialLandmarkKey(modelID string) []byte {
	return newKey(landmarkPrefix, len(modelID)+1).term(modelID)
}

func makeLandmarkActiveKey(modelID string) []byte {
	return newKey(landmarkActive, len(modelID)).str(modelID)
}

func makeLandmarkSeqKey(modelID string) []byte {
	return newKey(landmarkSeqPrefix, len(modelID)).str(modelID)
}

func makeRelationKey(from core.AtomID, kind core.EdgeKind, to core.AtomID) []byte {
	return newKey(relationPrefix, 17+len(kind)).u64(uint64(from)).term(string(kind)).u64(uint64(to))
}

func makeRelationRevKey(to core.AtomID, kind core.EdgeKind, from core.AtomID) []byte {
	return newKey(relationRevPrefix, 17+len(kind)).u64(uint64(to)).term(string(kind)).u64(uint64(from))
}

// makePartialRelationKey generates a prefix for edges of one atom, optionally
// narrowed to a kind.
func makePartialRelationKey(prefix string, id core.AtomID, kind core.EdgeKind) []byte {
	k := newKey(prefix, 9+len(kind)).u64(uint64(id))
	if kind != "" {
		k = k.term(string(kind))
	}
	return k
}

func makeReportKey(atomID, candidateID core.AtomID, modelID string) []byte {
	return newKey(reportPrefix, 16+len(modelID)).u64(uint64(atomID)).u64(uint64(candidateID)).str(modelID)
}

func makeReportRevKey(candidateID, atomID core.AtomID, modelID string) []byte {
	return newKey(reportRevPrefix, 16+len(modelID)).u64(uint64(candidateID)).u64(uint64(atomID)).str(modelID)
}

func makePartialReportKey(prefix string, id core.AtomID) []byte {
	return newKey(prefix, 8).u64(uint64(id))
}

// makeCheckpointKey generates a key for processor checkpoints.
func makeCheckpointKey(processorType string) []byte {
	return newKey(checkpointPrefix, len(processorType)).str(processorType)
}

func makeBlobKey(key string) []byte {
	return newKey(blobPrefix, len(key)).str(key)
}

// idSuffix decodes the trailing big endian id of a key.
func idSuffix(key []byte) core.AtomID {
	return core.AtomID(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// validName reports whether s can be used as a key component terminated by separator.
func validName(s string) bool {
	return s != "" && !strings.ContainsRune(s, separator)
}
