// Package reproject keeps stored embeddings consistent with model and
// landmark changes.
//
// After a landmark rotation the Reprojector recomputes every embedding's
// coordinate against the new set, persists it, and swaps a freshly built
// spatial index into the catalog. Writes that arrive meanwhile are buffered
// by the catalog and replayed onto the new index.
//
// The Reembedder moves text atoms from one embedding model to another.
//
// Both work in batches with retry and exponential backoff, progress
// tracking, and checkpoints so an interrupted run resumes where it stopped.
package reproject
