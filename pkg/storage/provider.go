package storage

import (
	"context"
	"iter"
)

// Provider defines the interface for a storage backend that manages chunk
// payloads identified by their content address.
//
// Implementations must be safe for concurrent use. No ordering is guaranteed
// between operations on different chunk ids.
type Provider interface {
	// Put stores the raw chunk payload under id. Writing the same id with the
	// same bytes again succeeds silently. The bytes must hash to id; a
	// mismatch is reported as ErrChecksumMismatch.
	Put(ctx context.Context, id ChunkID, data []byte) error

	// Get retrieves the raw chunk payload previously stored under id. It
	// fails with ErrNotFound if the chunk is absent.
	Get(ctx context.Context, id ChunkID) ([]byte, error)

	// Exists reports whether a chunk is stored under id. It only fails on a
	// backend fault.
	Exists(ctx context.Context, id ChunkID) (bool, error)

	// Delete removes the chunk stored under id. Deleting an absent chunk is
	// not an error.
	Delete(ctx context.Context, id ChunkID) error

	// Close releases any connections or handles held by the provider.
	Close() error
}

// ChunkLister is implemented by providers that can enumerate the chunks they
// hold. Garbage collection only sweeps providers that implement it.
type ChunkLister interface {
	Chunks(ctx context.Context) iter.Seq2[ChunkID, error]
}
