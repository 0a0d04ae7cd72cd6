// Package ingestion provides the write path from raw content to a searchable atom.
//
// The Pipeline type manages the ingestion workflow, including:
//   - Deduplicating content into atoms
//   - Storing caller-supplied embeddings, or generating them asynchronously
//   - Projecting embeddings onto the active landmark set and indexing them
//   - Checking new embeddings for near duplicates
//
// Embedding generation runs on a worker pool. Errors during async processing
// are logged but do not fail the ingestion operation.
package ingestion
