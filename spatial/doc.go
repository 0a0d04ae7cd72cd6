// Package spatial indexes projected coordinates for nearest-neighbor search.
//
// RTree is a persistent R-tree: every write copies the path it touches and
// publishes a new root, so searches run against an immutable snapshot and
// never wait for writers. Catalog keeps one tree per embedding model, tagged
// with the landmark set version its coordinates came from, and swaps in
// rebuilt trees after a landmark rotation.
package spatial
